// Package calendar evaluates pool access windows: ordered rules of
// weekday plus minute range, first match wins, pool fallback otherwise.
package calendar
