package cmd

// Version is the application version, intended to be overridden at build
// time with -ldflags "-X github.com/bitsurgeon/firmlens/cmd.Version=...".
var Version = "0.1.0"
