// Package secrets keeps credentials out of everything forge persists or
// shows. Scrubber redacts known token shapes from text before it reaches
// memory, checkpoints or the event stream. Detector runs the gitleaks rule
// set over generated source files so the reviewer can flag leaked secrets.
package secrets
