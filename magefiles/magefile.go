//go:build mage

// Package main provides build targets for attrstore using Mage.
//
// Usage:
//
//	mage build      Compile the attrstore binary to bin/
//	mage test       Run every test
//	mage testUnit   Run tests in short mode, skipping the SQLite CLI tests
//	mage race       Run every test with the race detector
//	mage lint       Run golangci-lint
//	mage clean      Remove build artifacts
//	mage install    Install attrstore to GOPATH/bin
//	mage stats      Print Go lines per package
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "attrstore"
	binaryDir  = "bin"
	cmdDir     = "./cmd/attrstore"
	versionVar = "github.com/mesh-intelligence/attrstore/internal/cli.Version"
)

// version returns the release recorded in the VERSION env var or the
// latest git tag.
func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	tag, err := sh.Output("git", "describe", "--tags", "--abbrev=0")
	if err != nil || tag == "" {
		return "0.0.0-dev"
	}
	return strings.TrimPrefix(tag, "v")
}

// Build compiles the attrstore binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	ldflags := fmt.Sprintf("-X %s=%s", versionVar, version())
	return sh.RunV(binGo, "build", "-ldflags", ldflags, "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Test runs every test.
func Test() error {
	return sh.RunV(binGo, "test", "./...")
}

// TestUnit runs tests in short mode.
func TestUnit() error {
	return sh.RunV(binGo, "test", "-short", "./...")
}

// Race runs every test with the race detector.
func Race() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	return sh.Copy(filepath.Join(gopath, "bin", binaryName), filepath.Join(binaryDir, binaryName))
}

type lineCount struct {
	prod, test int
}

// Stats prints production and test lines of Go code per package directory.
func Stats() error {
	counts := make(map[string]*lineCount)
	err := filepath.WalkDir(".", func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == binaryDir || name == "magefiles") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		n, err := countLines(path)
		if err != nil {
			return nil
		}
		dir := filepath.Dir(path)
		if counts[dir] == nil {
			counts[dir] = &lineCount{}
		}
		if strings.HasSuffix(path, "_test.go") {
			counts[dir].test += n
		} else {
			counts[dir].prod += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	dirs := make([]string, 0, len(counts))
	for d := range counts {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	var total lineCount
	fmt.Printf("%-28s %8s %8s\n", "package", "prod", "test")
	for _, d := range dirs {
		c := counts[d]
		fmt.Printf("%-28s %8d %8d\n", d, c.prod, c.test)
		total.prod += c.prod
		total.test += c.test
	}
	fmt.Printf("%-28s %8d %8d\n", "total", total.prod, total.test)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}
