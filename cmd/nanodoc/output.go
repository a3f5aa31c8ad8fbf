package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// table is the tabular view of a command result
type table struct {
	headers []string
	rows    [][]string
}

// OutputFormatter handles formatting command results for different output formats
type OutputFormatter struct {
	format string
	quiet  bool
}

// NewOutputFormatter creates a new output formatter
func NewOutputFormatter(format string, quiet bool) *OutputFormatter {
	return &OutputFormatter{format: format, quiet: quiet}
}

// Write renders data as JSON or YAML, or t as a table
func (of *OutputFormatter) Write(w io.Writer, data interface{}, t table) error {
	var out string
	var err error
	switch of.format {
	case "json":
		out, err = of.formatJSON(data)
	case "yaml":
		out, err = of.formatYAML(data)
	default:
		out, err = of.formatTable(t)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func (of *OutputFormatter) formatJSON(data interface{}) (string, error) {
	plain, err := plainValue(data)
	if err != nil {
		return "", err
	}
	bytes, err := json.MarshalIndent(plain, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bytes) + "\n", nil
}

func (of *OutputFormatter) formatYAML(data interface{}) (string, error) {
	node, err := yamlNode(data)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (of *OutputFormatter) formatTable(t table) (string, error) {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	if !of.quiet && len(t.headers) > 0 {
		caser := cases.Title(language.Und)
		headers := make([]string, len(t.headers))
		for i, h := range t.headers {
			headers[i] = caser.String(strings.ReplaceAll(h, "_", " "))
		}
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
	}
	for _, row := range t.rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// plainValue rewrites BSON documents into values JSON encodes faithfully.
// Ordered documents become relaxed extended JSON so key order survives.
func plainValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case bson.D:
		raw, err := bson.MarshalExtJSON(x, false, false)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	case bson.M:
		return plainValue(sortedDoc(x))
	case []bson.M:
		out := make([]interface{}, len(x))
		for i, doc := range x {
			p, err := plainValue(doc)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case []bson.D:
		out := make([]interface{}, len(x))
		for i, doc := range x {
			p, err := plainValue(doc)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case bson.A:
		return plainValue([]interface{}(x))
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			p, err := plainValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			p, err := plainValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	}
	return v, nil
}

// yamlNode builds a YAML node keeping the key order of bson.D documents.
// bson.M keys are sorted.
func yamlNode(v interface{}) (*yaml.Node, error) {
	switch x := v.(type) {
	case bson.D:
		n := &yaml.Node{Kind: yaml.MappingNode}
		for _, e := range x {
			val, err := yamlNode(e.Value)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key}, val)
		}
		return n, nil
	case bson.M:
		return yamlMap(x)
	case map[string]interface{}:
		return yamlMap(x)
	case bson.A:
		return yamlSeq([]interface{}(x))
	case []interface{}:
		return yamlSeq(x)
	case []bson.M:
		items := make([]interface{}, len(x))
		for i, doc := range x {
			items[i] = doc
		}
		return yamlSeq(items)
	case []bson.D:
		items := make([]interface{}, len(x))
		for i, doc := range x {
			items[i] = doc
		}
		return yamlSeq(items)
	case bson.ObjectID:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: x.Hex()}, nil
	case bson.Decimal128:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: x.String()}, nil
	case bson.DateTime:
		return yamlNode(x.Time().UTC())
	}
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return n, nil
}

func yamlMap(m map[string]interface{}) (*yaml.Node, error) {
	return yamlNode(sortedDoc(m))
}

// sortedDoc orders a map by key, keeping _id first
func sortedDoc(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "_id" || keys[j] == "_id" {
			return keys[i] == "_id"
		}
		return keys[i] < keys[j]
	})
	d := make(bson.D, len(keys))
	for i, k := range keys {
		d[i] = bson.E{Key: k, Value: m[k]}
	}
	return d
}

func yamlSeq(items []interface{}) (*yaml.Node, error) {
	n := &yaml.Node{Kind: yaml.SequenceNode}
	for _, item := range items {
		child, err := yamlNode(item)
		if err != nil {
			return nil, err
		}
		n.Content = append(n.Content, child)
	}
	return n, nil
}

// cell renders a value for a table cell
func cell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bson.ObjectID:
		return x.Hex()
	case bson.D, bson.M, bson.A:
		raw, err := bson.MarshalExtJSON(bson.M{"v": x}, false, false)
		if err != nil {
			return fmt.Sprint(x)
		}
		s := strings.TrimPrefix(string(raw), `{"v":`)
		return strings.TrimSuffix(s, "}")
	}
	return fmt.Sprint(v)
}
