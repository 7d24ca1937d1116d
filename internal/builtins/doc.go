// Package builtins defines the code-defined tools that ship with toolgate.
//
// Built-in tools are grouped into packs and registered in a Registry. Each
// tool declares a JSON Schema for its input, compiled once at registration
// and checked before the handler runs. Built-ins never touch the execution
// engine, but the dispatcher applies the same authentication, quota and audit
// steps to them as to catalog tools.
package builtins
