// Package tgui holds small Telegram UI helpers: inline keyboard builders,
// callback data in the "ns:action:payload" form and HTML-safe text.
package tgui
