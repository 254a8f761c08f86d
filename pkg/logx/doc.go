// Package logx is maintd's logging layer over zerolog: a value Logger with
// fixed fields and a short caller, a Service whose outputs (console, JSON
// file, stderr alerts) can be swapped on config reload.
package logx
