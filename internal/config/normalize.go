package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.Tail.Start = strings.ToLower(strings.TrimSpace(c.Tail.Start))
	if c.Tail.Start == "" {
		c.Tail.Start = defaultStart
	}
	c.normalizeGateway()
	c.normalizeLogging()
	for i := range c.Streams {
		c.Streams[i].normalize()
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultBaseURL
	}
	envFallback(&c.API.AppKey, "LIVETAIL_APP_KEY")
	envFallback(&c.API.AppSecret, "LIVETAIL_APP_SECRET")
	envFallback(&c.API.ConsumerKey, "LIVETAIL_CONSUMER_KEY")
}

func envFallback(dst *string, key string) {
	*dst = strings.TrimSpace(*dst)
	if *dst != "" {
		return
	}
	if value, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(value)
	}
}

func (c *Config) normalizeGateway() {
	c.Gateway.Bind = strings.TrimSpace(c.Gateway.Bind)
	if c.Gateway.Bind == "" {
		c.Gateway.Bind = defaultGatewayBind
	}
	origins := c.Gateway.AllowedOrigins[:0]
	for _, origin := range c.Gateway.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Gateway.AllowedOrigins = origins
	envFallback(&c.Gateway.Token, "LIVETAIL_GATEWAY_TOKEN")
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (s *Stream) normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.Shape = strings.ToLower(strings.TrimSpace(s.Shape))
	if s.Shape == "" {
		s.Shape = ShapeSince
	}
	s.Path = strings.TrimSpace(s.Path)
	s.Start = strings.ToLower(strings.TrimSpace(s.Start))
	defaultString(&s.IDPath, defaultIDPath)
	defaultString(&s.TimestampPath, defaultTimestampPath)
	defaultString(&s.MessagePath, defaultMessagePath)
	defaultString(&s.LevelPath, defaultLevelPath)
	switch s.Shape {
	case ShapeSince:
		defaultString(&s.RecordsPath, defaultRecordsPath)
		defaultString(&s.NextPath, defaultNextPath)
		defaultString(&s.CompletePath, defaultCompletePath)
	case ShapeIDs:
		defaultString(&s.DetailPath, strings.TrimRight(s.Path, "/")+"/{id}")
		if s.DetailConcurrency <= 0 {
			s.DetailConcurrency = defaultDetailConcurrency
		}
	}
}

func defaultString(dst *string, fallback string) {
	*dst = strings.TrimSpace(*dst)
	if *dst == "" {
		*dst = fallback
	}
}
