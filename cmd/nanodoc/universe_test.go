package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/testutil"
)

// newUniverseEnv stores the blog fixture in a snapshot file the CLI reads
func newUniverseEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("NANODOC_CONFIG", "")

	env := testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "nanodoc.yaml"),
		snapshot: filepath.Join(dir, "blog.bson"),
	}
	schemaPath := testutil.WriteSchemaFile(t, dir)
	reg, _ := testutil.LoadUniverse(t, memdriver.WithSnapshot(env.snapshot))
	if err := reg.DisconnectAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	config := "schemas: " + schemaPath + "\n" +
		"connections:\n" +
		"  default:\n" +
		"    uri: file://" + env.snapshot + "\n"
	if err := os.WriteFile(env.config, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestUniverseFromCLI(t *testing.T) {
	env := newUniverseEnv(t)

	var posts []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "find", "Post", "--filter", `{"comments__likes__gte": 5}`, "--only", "slug", "--format", "json"), &posts)
	if len(posts) != 1 || posts[0]["slug"] != "writing-queries" {
		t.Errorf("posts = %v, want writing-queries", posts)
	}

	var counted map[string]float64
	decodeJSON(t, mustRun(t, env, "count", "Post", "--filter", `{"status": "live", "views__gt": 100}`, "--format", "json"), &counted)
	if counted["count"] != 2 {
		t.Errorf("count = %v, want 2", counted)
	}

	var statuses []string
	decodeJSON(t, mustRun(t, env, "distinct", "Post", "status", "--format", "json"), &statuses)
	if len(statuses) != 3 {
		t.Errorf("statuses = %v, want draft, live and archived", statuses)
	}

	var rows []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "stats", "Post", "--by", "status", "--sum", "views", "--format", "json"), &rows)
	byStatus := make(map[interface{}]map[string]interface{})
	for _, r := range rows {
		byStatus[r["_id"]] = r
	}
	if live := byStatus["live"]; live == nil || live["count"] != float64(3) || live["sum_views"] != float64(1545) {
		t.Errorf("live = %v", byStatus["live"])
	}

	var deleted map[string]interface{}
	decodeJSON(t, mustRun(t, env, "delete", "Post", "--filter", `{"status": "archived"}`, "--format", "json"), &deleted)
	if deleted["deleted"] != float64(1) {
		t.Errorf("deleted = %v, want 1", deleted)
	}
	decodeJSON(t, mustRun(t, env, "count", "Post", "--format", "json"), &counted)
	if counted["count"] != 4 {
		t.Errorf("count after delete = %v, want 4", counted)
	}
}
