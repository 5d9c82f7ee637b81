// Package logx is sitepulse's structured logging on top of zerolog.
//
// Loggers are values: With and Component derive tagged copies, and every copy
// made from a Service follows Service.Apply on config reload.
package logx
