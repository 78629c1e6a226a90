// Package tgui holds small Telegram UI helpers for the operator bot: inline
// keyboards, "scope:action:payload" callback data and an HTML-safe message
// builder.
package tgui
