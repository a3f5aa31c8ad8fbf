package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/arthur-debert/nanodoc/schemafile"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const testSchemas = `
schemas:
  - name: User
    ordering: [name]
    fields:
      - {name: name, kind: string, required: true}
      - {name: age, kind: int, min: 0}
      - {name: email, kind: email, unique: true, db_field: mail}
      - {name: team, kind: string, default: core}
      - {name: tags, kind: list, inner: {kind: string}}
  - name: Address
    embedded: true
    fields:
      - {name: city, kind: string}
`

type testEnv struct {
	dir      string
	config   string
	snapshot string
}

// newTestEnv writes a schema file and a config file whose default
// connection is a snapshot file. With seed, three users are stored.
func newTestEnv(t *testing.T, seed bool) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("NANODOC_CONFIG", "")

	env := testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "nanodoc.yaml"),
		snapshot: filepath.Join(dir, "data.bson"),
	}
	schemaPath := filepath.Join(dir, "schemas.yaml")
	if err := os.WriteFile(schemaPath, []byte(testSchemas), 0o644); err != nil {
		t.Fatal(err)
	}
	config := "schemas: " + schemaPath + "\n" +
		"connections:\n" +
		"  default:\n" +
		"    uri: file://" + env.snapshot + "\n"
	if err := os.WriteFile(env.config, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	if seed {
		seedUsers(t, schemaPath, env.snapshot)
	}
	return env
}

func seedUsers(t *testing.T, schemaPath, snapshot string) {
	t.Helper()
	set, err := schemafile.LoadFile(schemaPath)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	users, _ := set.Get("User")
	drv, err := memdriver.New(memdriver.WithSnapshot(snapshot))
	if err != nil {
		t.Fatalf("memdriver.New() error = %v", err)
	}
	reg := nanodoc.NewRegistry()
	reg.Connect("", drv)
	defer func() { _ = reg.DisconnectAll(t.Context()) }()

	for _, u := range []struct {
		name, email, team string
		age               int
		tags              []string
	}{
		{"ann", "ann@example.com", "ops", 31, []string{"admin", "oncall"}},
		{"bob", "bob@example.com", "", 17, []string{"oncall"}},
		{"cid", "cid@example.com", "ops", 45, nil},
	} {
		doc, err := reg.New(users)
		if err != nil {
			t.Fatal(err)
		}
		for name, v := range map[string]interface{}{"name": u.name, "email": u.email, "age": u.age, "tags": u.tags} {
			if err := doc.Set(name, v); err != nil {
				t.Fatalf("Set(%s) error = %v", name, err)
			}
		}
		if u.team != "" {
			if err := doc.Set("team", u.team); err != nil {
				t.Fatal(err)
			}
		}
		if err := doc.Save(t.Context()); err != nil {
			t.Fatalf("Save(%s) error = %v", u.name, err)
		}
	}
}

func run(t *testing.T, env testEnv, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cli := NewCLI(&out, &errOut)
	err := cli.Execute(t.Context(), append([]string{"--config", env.config}, args...))
	return out.String(), err
}

func mustRun(t *testing.T, env testEnv, args ...string) string {
	t.Helper()
	out, err := run(t, env, args...)
	if err != nil {
		t.Fatalf("%v: error = %v", args, err)
	}
	return out
}

func decodeJSON(t *testing.T, out string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
}

func TestDescribeTable(t *testing.T) {
	env := newTestEnv(t, false)
	out := mustRun(t, env, "describe", "User")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 7 {
		t.Fatalf("got %d lines, want a header and six fields:\n%s", len(lines), out)
	}
	for _, h := range []string{"Name", "Db Name", "Kind", "Required", "Unique", "Default", "Target"} {
		if !strings.Contains(lines[0], h) {
			t.Errorf("header %q missing from %q", h, lines[0])
		}
	}
	if f := strings.Fields(lines[4]); len(f) < 3 || f[0] != "email" || f[1] != "mail" || f[2] != "email" {
		t.Errorf("email row = %q", lines[4])
	}
	if !strings.Contains(lines[6], "list<string>") {
		t.Errorf("tags row = %q, want the element kind", lines[6])
	}

	quiet := mustRun(t, env, "describe", "User", "--quiet")
	if strings.Contains(quiet, "Db Name") {
		t.Errorf("--quiet kept the header:\n%s", quiet)
	}
}

func TestSchemasJSON(t *testing.T) {
	env := newTestEnv(t, false)
	var got []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "schemas", "--format", "json"), &got)

	if len(got) != 2 {
		t.Fatalf("got %d schemas, want 2", len(got))
	}
	if got[0]["name"] != "User" || got[0]["kind"] != "document" || got[0]["collection"] != "user" {
		t.Errorf("User = %v", got[0])
	}
	if got[1]["name"] != "Address" || got[1]["kind"] != "embedded" {
		t.Errorf("Address = %v", got[1])
	}
}

func TestKinds(t *testing.T) {
	env := newTestEnv(t, false)
	var kinds []string
	decodeJSON(t, mustRun(t, env, "kinds", "--format", "json"), &kinds)
	want := map[string]bool{"string": true, "reference": true, "list": true}
	for _, k := range kinds {
		delete(want, k)
	}
	if len(want) > 0 {
		t.Errorf("kinds %v missing from %v", want, kinds)
	}
}

func TestCompile(t *testing.T) {
	env := newTestEnv(t, false)
	out := mustRun(t, env, "compile", "User",
		"--filter", `{"age__gte": 18, "email__iendswith": "example.com"}`,
		"--order", "-age", "--only", "name", "--limit", "5", "--format", "json")

	var got struct {
		Collection string                 `json:"collection"`
		Filter     map[string]interface{} `json:"filter"`
		Sort       map[string]interface{} `json:"sort"`
		Projection map[string]interface{} `json:"projection"`
		Limit      float64                `json:"limit"`
	}
	decodeJSON(t, out, &got)
	if got.Collection != "user" {
		t.Errorf("collection = %q", got.Collection)
	}
	age, _ := got.Filter["age"].(map[string]interface{})
	if age["$gte"] != float64(18) {
		t.Errorf("filter.age = %v, want $gte 18", got.Filter["age"])
	}
	if _, ok := got.Filter["mail"]; !ok {
		t.Errorf("filter = %v, want the storage name mail", got.Filter)
	}
	if got.Sort["age"] != float64(-1) {
		t.Errorf("sort = %v", got.Sort)
	}
	if got.Projection["name"] != float64(1) {
		t.Errorf("projection = %v", got.Projection)
	}
	if got.Limit != 5 {
		t.Errorf("limit = %v", got.Limit)
	}
}

func TestFindAndCount(t *testing.T) {
	env := newTestEnv(t, true)

	var docs []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "find", "User", "--filter", `{"age__gt": 20}`, "--format", "json"), &docs)
	var names []interface{}
	for _, d := range docs {
		names = append(names, d["name"])
	}
	if len(names) != 2 || names[0] != "ann" || names[1] != "cid" {
		t.Errorf("names = %v, want [ann cid]", names)
	}
	if _, ok := docs[0]["mail"]; !ok {
		t.Errorf("documents are printed as stored: %v", docs[0])
	}

	var counted map[string]float64
	decodeJSON(t, mustRun(t, env, "count", "User", "--exclude", `{"team": "ops"}`, "--format", "json"), &counted)
	if counted["count"] != 1 {
		t.Errorf("count = %v, want 1", counted)
	}

	table := mustRun(t, env, "find", "User", "--order", "-age", "--limit", "1")
	lines := strings.Split(strings.TrimSpace(table), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "cid") {
		t.Errorf("table output:\n%s", table)
	}
}

func TestFindYAML(t *testing.T) {
	env := newTestEnv(t, true)
	out := mustRun(t, env, "find", "User", "--filter", `{"name": "ann"}`, "--without", "tags", "--format", "yaml")

	var docs []map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &docs); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if len(docs) != 1 || docs[0]["name"] != "ann" || docs[0]["age"] != 31 {
		t.Fatalf("docs = %v", docs)
	}
	if _, ok := docs[0]["tags"]; ok {
		t.Errorf("excluded field printed: %v", docs[0])
	}
	if !strings.HasPrefix(out, "- _id: ") {
		t.Errorf("the identity is not printed first:\n%s", out)
	}
}

func TestDistinctAndStats(t *testing.T) {
	env := newTestEnv(t, true)

	var tags []string
	decodeJSON(t, mustRun(t, env, "distinct", "User", "tags", "--format", "json"), &tags)
	if len(tags) != 2 {
		t.Errorf("tags = %v, want admin and oncall", tags)
	}

	var rows []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "stats", "User", "--by", "team", "--sum", "age", "--format", "json"), &rows)
	byTeam := make(map[interface{}]map[string]interface{})
	for _, r := range rows {
		byTeam[r["_id"]] = r
	}
	if ops := byTeam["ops"]; ops == nil || ops["count"] != float64(2) || ops["sum_age"] != float64(76) {
		t.Errorf("ops = %v", byTeam["ops"])
	}
	if core := byTeam["core"]; core == nil || core["count"] != float64(1) {
		t.Errorf("core = %v, want the default team", byTeam["core"])
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, true)

	if _, err := run(t, env, "delete", "User"); err == nil {
		t.Error("delete without a filter succeeded")
	}

	var got map[string]interface{}
	decodeJSON(t, mustRun(t, env, "delete", "User", "--filter", `{"age__lt": 40}`, "--dry-run", "--format", "json"), &got)
	if got["deleted"] != float64(2) || got["dry_run"] != true {
		t.Errorf("dry run = %v", got)
	}
	decodeJSON(t, mustRun(t, env, "count", "User", "--format", "json"), &got)
	if got["count"] != float64(3) {
		t.Errorf("dry run deleted documents: %v", got)
	}

	mustRun(t, env, "delete", "User", "--filter", `{"age__lt": 40}`)
	decodeJSON(t, mustRun(t, env, "count", "User", "--format", "json"), &got)
	if got["count"] != float64(1) {
		t.Errorf("count after delete = %v", got)
	}
}

func TestEnsureIndexes(t *testing.T) {
	env := newTestEnv(t, false)

	var ensured []map[string]interface{}
	decodeJSON(t, mustRun(t, env, "ensure-indexes", "--format", "json"), &ensured)
	if len(ensured) != 1 || ensured[0]["schema"] != "User" {
		t.Fatalf("ensured = %v, want only the document schema", ensured)
	}

	out := mustRun(t, env, "indexes", "User")
	if !strings.Contains(out, "_id_") || !strings.Contains(out, "mail_1") {
		t.Errorf("indexes output:\n%s", out)
	}

	if _, err := run(t, env, "ensure-indexes", "Address"); err == nil {
		t.Error("ensuring the indexes of an embedded schema succeeded")
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, false)
	out := mustRun(t, env, "ping")
	if !strings.Contains(out, "default") || !strings.Contains(out, "ok") {
		t.Errorf("ping output:\n%s", out)
	}

	_, err := run(t, env, "ping", "missing")
	var cliErr *CLIError
	if !errors.As(err, &cliErr) {
		t.Fatalf("error = %v, want a CLIError", err)
	}
}

func TestCLIErrors(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown schema", []string{"describe", "Nope"}, `unknown schema "Nope"`},
		{"bad filter", []string{"find", "User", "--filter", "{age"}, "invalid filter"},
		{"unknown field", []string{"compile", "User", "--filter", `{"nickname": "x"}`}, "unknown or mistyped field"},
		{"bad format", []string{"schemas", "--format", "xml"}, "unknown output format"},
		{"no schema file", []string{"--schemas", "", "schemas"}, "no schema file configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, env, tt.args...)
			if err == nil {
				t.Fatal("command succeeded, want an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	env := newTestEnv(t, false)
	t.Setenv("NANODOC_FORMAT", "yaml")

	out := mustRun(t, env, "kinds")
	var kinds []string
	if err := yaml.Unmarshal([]byte(out), &kinds); err != nil || len(kinds) == 0 {
		t.Errorf("NANODOC_FORMAT=yaml output:\n%s", out)
	}
}

func TestLogQueries(t *testing.T) {
	env := newTestEnv(t, true)
	var out, errOut bytes.Buffer
	cli := NewCLI(&out, &errOut)
	err := cli.Execute(t.Context(), []string{"--config", env.config, "--log-queries", "--log-level", "debug", "count", "User"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errOut.String(), "level=DEBUG") {
		t.Errorf("stderr has no debug records:\n%s", errOut.String())
	}
	logged, err := os.ReadFile(filepath.Join(env.dir, "cache", "nanodoc", "nanodoc.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(logged, []byte(`"level":"DEBUG"`)) {
		t.Errorf("log file has no debug records:\n%s", logged)
	}
}
