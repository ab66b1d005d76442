// Package dedupe remembers recently seen request ids per session so the
// gateway can refuse a request id that is replayed on the same session.
package dedupe
