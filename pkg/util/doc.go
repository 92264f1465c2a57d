// Package util holds small helpers shared by the command-line tools.
package util
