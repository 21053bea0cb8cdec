package config

const (
	defaultStateDir          = "~/.local/state/livetail"
	defaultLogDir            = "~/.local/state/livetail/logs"
	defaultBaseURL           = "https://eu.api.ovh.com/1.0"
	defaultRequestTimeout    = 30
	defaultPoolSize          = 8
	defaultMaxPageSize       = 500
	defaultPageSize          = 100
	defaultPollIntervalMS    = 5000
	defaultMaxBufferSize     = 500
	defaultStart             = "beginning"
	defaultBackoffBaseMS     = 1000
	defaultBackoffMaxMS      = 30000
	defaultBackoffMaxRetries = 5
	defaultGatewayBind       = "127.0.0.1:7490"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"

	defaultIDPath            = "id"
	defaultTimestampPath     = "timestamp"
	defaultMessagePath       = "message"
	defaultLevelPath         = "level"
	defaultRecordsPath       = "records"
	defaultNextPath          = "next"
	defaultCompletePath      = "complete"
	defaultDetailConcurrency = 4
)

// Stream shapes understood by the HTTP listers.
const (
	ShapeCursor = "cursor"
	ShapeIDs    = "ids"
	ShapeSince  = "since"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		API: API{
			BaseURL:        defaultBaseURL,
			RequestTimeout: defaultRequestTimeout,
			PoolSize:       defaultPoolSize,
			MaxPageSize:    defaultMaxPageSize,
		},
		Tail: Tail{
			PageSize:       defaultPageSize,
			PollIntervalMS: defaultPollIntervalMS,
			MaxBufferSize:  defaultMaxBufferSize,
			Start:          defaultStart,
			Backoff: Backoff{
				BaseMS:     defaultBackoffBaseMS,
				MaxMS:      defaultBackoffMaxMS,
				MaxRetries: defaultBackoffMaxRetries,
			},
		},
		Gateway: Gateway{
			Bind: defaultGatewayBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
