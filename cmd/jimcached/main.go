// Command jimcached runs the cache server. The teacher repo has no
// main.go of its own (it is a library plus a cobra command tree meant to
// be embedded); this entry point is new, grounded on the pattern its
// own Execute() establishes.
package main

import "github.com/jlgale/jimcached/cmd"

func main() {
	cmd.Execute()
}
