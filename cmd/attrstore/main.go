// Command attrstore manages records of a YAML-declared schema of typed,
// computed and relational attributes.
package main

import "github.com/mesh-intelligence/attrstore/internal/cli"

func main() {
	cli.Execute()
}
