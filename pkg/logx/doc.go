// Package logx is a thin structured-logging layer over zerolog.
//
// Components hold a cheap Logger value whose sinks and level can be swapped
// at runtime via Service.Apply (config hot reload) without re-plumbing
// loggers through the whole app. Console output stays human-readable; the
// optional file sink is JSON-structured.
package logx
