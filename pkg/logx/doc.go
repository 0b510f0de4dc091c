// Package logx is a small structured-logging facade over zerolog.
//
// Components accept a logx.Logger by value; the zero value is a safe no-op.
// The Service owns sinks (console/file) and supports live reconfiguration
// via Apply without invalidating previously handed-out loggers.
package logx
