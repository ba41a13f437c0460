// Package backend talks to the REST service that owns posts and subscribers,
// and downloads post media over HTTP.
package backend
