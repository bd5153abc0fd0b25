// Package hooks runs user-defined handlers around each project's build
// pipeline.
//
// A handler receives the project context as JSON and answers with JSON:
//
//	{"skip": true, "reason": "...", "effects": [{"type": "notify", "message": "..."}]}
//
// Handlers are shell commands, Starlark scripts or WASI modules. A pre
// hook may veto a project; the first veto wins. Effects are a closed set
// (relocate_artifact, notify) applied by an Effector. Every hook problem,
// from a crashing handler to a malformed response, is reported as a
// warning and never changes a project's build classification.
package hooks
