// Package webserver embeds an HTTP server whose requests are answered by the
// script goroutine.
//
// net/http serves each connection on its own worker goroutine. Bridge turns
// every request into a Request and a Response, posts both to the script loop,
// and parks the worker until the script closes the Response. Scripts may answer
// immediately or keep the Response open across later loop tasks.
//
// Shutdown is the delicate part: the loop may never close some responses.
// Bridge.Close marks the bridge as closing and releases every parked worker, so
// Server.Close can then shut net/http down without waiting on the script.
//
// Response methods panic on contract violations such as changing headers after
// they were sent or closing twice. Those are scripting bugs and the loop
// recovers and logs them.
package webserver
