// Package shell puts keg's bin directory on the user's PATH.
//
// keg never edits shell rc files. Instead it prints a snippet the user
// evaluates from their own configuration:
//
//	# bash / zsh
//	eval "$(keg shellenv bash)"
//
//	# fish
//	keg shellenv fish | source
//
// The snippet only prepends the directory when it is not already on PATH,
// so evaluating it twice is harmless.
//
// # Shell Detection
//
// When no shell is named, detection tries:
//  1. $SHELL environment variable
//  2. The name of the parent process (via gopsutil)
package shell
