// Package minorlog implements an in-memory byte-stream channel multiplexed by
// minor number.
//
// Every minor owns one growable buffer. Writers append frames of the form
// "[identity] payload\n" and readers consume the buffer through a shared read
// cursor. All openers of a minor share the buffer, its cursors and its access
// flags; a Close by any opener clears the flags it was opened with for everyone.
//
// A Channel registers the registry under a name in a directory and can
// replicate every create, append and control to follower channels.
package minorlog
