// Package testutil provides reusable testing helpers for enforcing layering rules
// across the replay engine: the domain stays free of internal packages, and the
// engine core stays free of transport and storage vendor SDKs.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoTransitiveDependency shells out to `go list -deps` with the provided pattern
// and fails the test if any dependency path satisfies the forbidden predicate.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, out, err := transitiveDependencyViolations(pattern, forbidden)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, string(out))
	}
	failIfViolations(t, "transitive dependency", reason, viols)
}

// AssertNoDirectImports scans the non-test .go files in dir and fails if any import
// path satisfies the forbidden predicate. Subdirectories and build tags are ignored.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, "direct imports", reason, viols)
}

// InternalImportForbidden matches any import path containing an internal segment.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

// TransportImportForbidden matches the HTTP and websocket stacks. The engine core
// emits notifications through an interface and must not know how they travel.
func TransportImportForbidden(path string) bool {
	switch {
	case path == "net/http", strings.HasPrefix(path, "net/http/"):
		return true
	case strings.HasPrefix(path, "github.com/gorilla/websocket"):
		return true
	}
	return false
}

// VendorSDKImportForbidden matches storage vendor SDKs and database drivers. The
// core reaches durable storage only through the blob abstraction and the
// TrainingStatsStore hook.
func VendorSDKImportForbidden(path string) bool {
	for _, prefix := range []string{
		"github.com/aws/",
		"github.com/jackc/pgx",
		"modernc.org/sqlite",
		"database/sql",
	} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AnyOf combines predicates; the result matches when any predicate matches.
func AnyOf(preds ...func(string) bool) func(string) bool {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

var goListDeps = func(pattern string) ([]byte, error) {
	cmd := exec.Command("go", "list", "-deps", pattern)
	return cmd.CombinedOutput()
}

func transitiveDependencyViolations(pattern string, forbidden func(path string) bool) ([]string, []byte, error) {
	out, err := goListDeps(pattern)
	if err != nil {
		return nil, out, err
	}
	var viols []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && forbidden(line) {
			viols = append(viols, line)
		}
	}
	return viols, out, nil
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		fileAst, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range fileAst.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
