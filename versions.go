package sandboxd

// Version is the version of sandboxd. Overridden at build time via
// ldflags.
var Version = "0.1.0"
