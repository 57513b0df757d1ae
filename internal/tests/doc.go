// Package tests holds the cross-package integration tests. It lives under
// internal/ so the scenarios exercising the engine, event, workflow and
// state packages together never become part of the public API surface.
package tests
