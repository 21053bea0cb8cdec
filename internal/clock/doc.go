// Package clock provides an injectable time source.
//
// Production code uses Real(). Tests construct Fake(start), let the code under
// test register its timers, call WaitForTimers, then Advance to fire them
// deterministically instead of sleeping.
package clock
