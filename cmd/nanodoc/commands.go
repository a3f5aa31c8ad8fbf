package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/arthur-debert/nanodoc/aggregate"
	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/arthur-debert/nanodoc/query"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/schemafile"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// addCommands registers every subcommand
func (cli *CLI) addCommands() {
	cli.rootCmd.AddCommand(
		cli.schemasCommand(),
		cli.describeCommand(),
		cli.kindsCommand(),
		cli.compileCommand(),
		cli.findCommand(),
		cli.countCommand(),
		cli.distinctCommand(),
		cli.statsCommand(),
		cli.deleteCommand(),
		cli.ensureIndexesCommand(),
		cli.indexesCommand(),
		cli.pingCommand(),
	)
}

// loadSchemas reads the schema file once per run
func (cli *CLI) loadSchemas(operation string) (*schemafile.Set, error) {
	if cli.schemas != nil {
		return cli.schemas, nil
	}
	if cli.config.Schemas == "" {
		return nil, NewConfigError(operation, "no schema file configured",
			"Pass --schemas path/to/schemas.yaml",
			"Or set 'schemas' in nanodoc.yaml or NANODOC_SCHEMAS")
	}
	set, err := schemafile.LoadFile(cli.config.Schemas)
	if err != nil {
		return nil, WrapError(operation, err, CommonSuggestions.CheckSchemas)
	}
	cli.logger.Debug("schemas loaded", "path", cli.config.Schemas, "count", len(set.Names()))
	cli.schemas = set
	return set, nil
}

// lookupSchema resolves a schema by name
func (cli *CLI) lookupSchema(operation, name string) (*schema.Schema, error) {
	set, err := cli.loadSchemas(operation)
	if err != nil {
		return nil, err
	}
	s, ok := set.Get(name)
	if !ok {
		return nil, NewSchemaNotFoundError(operation, name, set.Names())
	}
	return s, nil
}

// documentSchemas returns the schemas stored in collections
func documentSchemas(set *schemafile.Set) []*schema.Schema {
	var out []*schema.Schema
	for _, s := range set.Schemas() {
		if !s.IsEmbedded() && !s.IsAbstract() {
			out = append(out, s)
		}
	}
	return out
}

func schemaKind(s *schema.Schema) string {
	switch {
	case s.IsEmbedded():
		return "embedded"
	case s.IsAbstract():
		return "abstract"
	}
	return "document"
}

func (cli *CLI) schemasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List the schemas of the schema file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := cli.loadSchemas("list schemas")
			if err != nil {
				return err
			}
			type schemaInfo struct {
				Name       string `json:"name" yaml:"name"`
				Kind       string `json:"kind" yaml:"kind"`
				Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
				Alias      string `json:"alias" yaml:"alias"`
				Parent     string `json:"parent,omitempty" yaml:"parent,omitempty"`
			}
			var data []schemaInfo
			t := table{headers: []string{"name", "kind", "collection", "alias", "parent"}}
			for _, s := range set.Schemas() {
				info := schemaInfo{Name: s.Name(), Kind: schemaKind(s), Collection: s.Collection(), Alias: s.Alias()}
				if p := s.Parent(); p != nil {
					info.Parent = p.Name()
				}
				data = append(data, info)
				t.rows = append(t.rows, []string{info.Name, info.Kind, info.Collection, info.Alias, info.Parent})
			}
			return cli.formatter().Write(cli.out, data, t)
		},
	}
}

func (cli *CLI) describeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <schema>",
		Short: "Show the fields of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cli.lookupSchema("describe schema", args[0])
			if err != nil {
				return err
			}
			fields := s.Describe()
			t := table{headers: []string{"name", "db_name", "kind", "required", "unique", "default", "target"}}
			for _, f := range fields {
				kind := f.Kind
				if f.Inner != "" {
					kind = fmt.Sprintf("%s<%s>", f.Kind, f.Inner)
				}
				def := ""
				if f.HasDefault {
					def = "(computed)"
					if f.Default != nil {
						def = cell(f.Default)
					}
				}
				t.rows = append(t.rows, []string{
					f.Name, f.DBName, kind,
					strconv.FormatBool(f.Required), strconv.FormatBool(f.Unique),
					def, f.Target,
				})
			}
			return cli.formatter().Write(cli.out, fields, t)
		},
	}
}

func (cli *CLI) kindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the field kinds schema files can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := schema.Kinds()
			t := table{headers: []string{"kind"}}
			for _, k := range kinds {
				t.rows = append(t.rows, []string{k})
			}
			return cli.formatter().Write(cli.out, kinds, t)
		},
	}
}

// queryFlags are the flags shared by the commands that read documents
type queryFlags struct {
	filter  string
	exclude string
	order   []string
	only    []string
	without []string
	skip    int64
	limit   int64
}

func (qf *queryFlags) register(cmd *cobra.Command, paging bool) {
	cmd.Flags().StringVar(&qf.filter, "filter", "", `Filter as a JSON object, e.g. '{"age__gte": 18}'`)
	cmd.Flags().StringVar(&qf.exclude, "exclude", "", "Exclude the documents matching this JSON filter")
	if !paging {
		return
	}
	cmd.Flags().StringSliceVar(&qf.order, "order", nil, "Ordering keys, e.g. -age,name")
	cmd.Flags().StringSliceVar(&qf.only, "only", nil, "Load only these fields")
	cmd.Flags().StringSliceVar(&qf.without, "without", nil, "Do not load these fields")
	cmd.Flags().Int64Var(&qf.skip, "skip", 0, "Skip this many documents")
	cmd.Flags().Int64Var(&qf.limit, "limit", 0, "Return at most this many documents")
}

// parseFilter decodes a JSON filter into a query node
func parseFilter(operation, raw string) (query.Node, error) {
	var q query.Q
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, NewFilterError(operation, raw, err)
	}
	return q, nil
}

// querySet applies the flags to the query set of s
func (cli *CLI) querySet(operation string, s *schema.Schema, qf *queryFlags) (nanodoc.QuerySet, error) {
	qs := cli.registry.Objects(s)
	if alias := cli.config.Alias; alias != "" {
		qs = qs.Using(alias)
	}
	if qf.filter != "" {
		n, err := parseFilter(operation, qf.filter)
		if err != nil {
			return qs, err
		}
		qs = qs.Filter(n)
	}
	if qf.exclude != "" {
		n, err := parseFilter(operation, qf.exclude)
		if err != nil {
			return qs, err
		}
		qs = qs.Exclude(n)
	}
	if len(qf.order) > 0 {
		qs = qs.OrderBy(qf.order...)
	}
	if len(qf.only) > 0 {
		qs = qs.Only(qf.only...)
	}
	if len(qf.without) > 0 {
		qs = qs.ExcludeFields(qf.without...)
	}
	if qf.skip > 0 {
		qs = qs.Skip(qf.skip)
	}
	if qf.limit > 0 {
		qs = qs.Limit(qf.limit)
	}
	return qs, nil
}

func (cli *CLI) compileCommand() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "compile <schema>",
		Short: "Show the database query a filter compiles to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "compile query"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			fq, err := qs.Compile()
			if err != nil {
				return WrapError(op, err)
			}
			doc := bson.D{
				{Key: "collection", Value: s.Collection()},
				{Key: "filter", Value: orEmpty(fq.Filter)},
				{Key: "sort", Value: orEmpty(fq.Sort)},
				{Key: "projection", Value: orEmpty(fq.Projection)},
				{Key: "skip", Value: fq.Skip},
				{Key: "limit", Value: fq.Limit},
			}
			t := table{headers: []string{"part", "value"}}
			for _, e := range doc {
				t.rows = append(t.rows, []string{e.Key, cell(e.Value)})
			}
			return cli.formatter().Write(cli.out, doc, t)
		},
	}
	qf.register(cmd, true)
	return cmd
}

func orEmpty(d bson.D) bson.D {
	if d == nil {
		return bson.D{}
	}
	return d
}

func (cli *CLI) findCommand() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "find <schema>",
		Short: "Print the stored documents matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "find documents"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			docs, err := qs.Values(cmd.Context())
			if err != nil {
				return WrapError(op, err)
			}
			t := table{}
			for _, f := range s.Describe() {
				t.headers = append(t.headers, f.DBName)
			}
			for _, doc := range docs {
				row := make([]string, len(t.headers))
				for i, key := range t.headers {
					row[i] = cell(doc[key])
				}
				t.rows = append(t.rows, row)
			}
			return cli.formatter().Write(cli.out, docs, t)
		},
	}
	qf.register(cmd, true)
	return cmd
}

func (cli *CLI) countCommand() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "count <schema>",
		Short: "Count the documents matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "count documents"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			n, err := qs.Count(cmd.Context(), false)
			if err != nil {
				return WrapError(op, err)
			}
			t := table{headers: []string{"count"}, rows: [][]string{{strconv.FormatInt(n, 10)}}}
			return cli.formatter().Write(cli.out, map[string]interface{}{"count": n}, t)
		},
	}
	qf.register(cmd, false)
	return cmd
}

func (cli *CLI) distinctCommand() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "distinct <schema> <field>",
		Short: "List the distinct values of a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "list distinct values"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			values, err := qs.Distinct(cmd.Context(), args[1])
			if err != nil {
				return WrapError(op, err)
			}
			t := table{headers: []string{args[1]}}
			for _, v := range values {
				t.rows = append(t.rows, []string{cell(v)})
			}
			return cli.formatter().Write(cli.out, bson.A(values), t)
		},
	}
	qf.register(cmd, false)
	return cmd
}

func (cli *CLI) statsCommand() *cobra.Command {
	var (
		qf   queryFlags
		by   []string
		sums []string
		avgs []string
	)
	cmd := &cobra.Command{
		Use:   "stats <schema>",
		Short: "Count documents, optionally grouped, with sums and averages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "aggregate documents"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			named := aggregate.Named{"count": aggregate.Count()}
			for _, f := range sums {
				named["sum_"+f] = aggregate.Sum(f)
			}
			for _, f := range avgs {
				named["avg_"+f] = aggregate.Avg(f)
			}
			var p aggregate.Pipeline = named
			if len(by) > 0 {
				p = named.GroupBy(by...)
			}
			rows, err := qs.OrderBy().Aggregate(p).All(cmd.Context())
			if err != nil {
				return WrapError(op, err)
			}

			keys := make([]string, 0, len(named))
			for k := range named {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			t := table{}
			if len(by) > 0 {
				t.headers = append(t.headers, strings.Join(by, "/"))
			}
			t.headers = append(t.headers, keys...)
			for _, row := range rows {
				var line []string
				if len(by) > 0 {
					line = append(line, cell(row["_id"]))
				}
				for _, k := range keys {
					line = append(line, cell(row[k]))
				}
				t.rows = append(t.rows, line)
			}
			return cli.formatter().Write(cli.out, rows, t)
		},
	}
	qf.register(cmd, false)
	cmd.Flags().StringSliceVar(&by, "by", nil, "Group by these fields")
	cmd.Flags().StringSliceVar(&sums, "sum", nil, "Sum these numeric fields")
	cmd.Flags().StringSliceVar(&avgs, "avg", nil, "Average these numeric fields")
	return cmd
}

func (cli *CLI) deleteCommand() *cobra.Command {
	var (
		qf     queryFlags
		all    bool
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "delete <schema>",
		Short: "Delete the documents matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "delete documents"
			if qf.filter == "" && qf.exclude == "" && !all {
				return &CLIError{
					Operation:   op,
					Cause:       "no filter given",
					Suggestions: []string{"Pass --filter to select documents", "Pass --all to delete every document"},
				}
			}
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			qs, err := cli.querySet(op, s, &qf)
			if err != nil {
				return err
			}
			var n int64
			if dryRun {
				n, err = qs.Count(cmd.Context(), false)
			} else {
				n, err = qs.Delete(cmd.Context())
			}
			if err != nil {
				return WrapError(op, err)
			}
			cli.logger.Info("delete", "schema", s.Name(), "count", n, "dry_run", dryRun)
			data := map[string]interface{}{"deleted": n, "dry_run": dryRun}
			t := table{headers: []string{"deleted", "dry_run"}, rows: [][]string{{strconv.FormatInt(n, 10), strconv.FormatBool(dryRun)}}}
			return cli.formatter().Write(cli.out, data, t)
		},
	}
	qf.register(cmd, false)
	cmd.Flags().BoolVar(&all, "all", false, "Delete every document of the schema")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count the documents that would be deleted")
	return cmd
}

func (cli *CLI) ensureIndexesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-indexes [schema...]",
		Short: "Create the collections and indexes of schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "ensure indexes"
			set, err := cli.loadSchemas(op)
			if err != nil {
				return err
			}
			targets := documentSchemas(set)
			if len(args) > 0 {
				targets = targets[:0]
				for _, name := range args {
					s, err := cli.lookupSchema(op, name)
					if err != nil {
						return err
					}
					targets = append(targets, s)
				}
			}

			type ensured struct {
				Schema     string   `json:"schema" yaml:"schema"`
				Collection string   `json:"collection" yaml:"collection"`
				Indexes    []string `json:"indexes" yaml:"indexes"`
			}
			var data []ensured
			t := table{headers: []string{"schema", "collection", "indexes"}}
			for _, s := range targets {
				if err := cli.registry.EnsureIndexes(cmd.Context(), cli.config.Alias, s); err != nil {
					return WrapError(op, err)
				}
				e := ensured{Schema: s.Name(), Collection: s.Collection(), Indexes: []string{}}
				for _, spec := range s.Indexes() {
					e.Indexes = append(e.Indexes, spec.Name)
				}
				data = append(data, e)
				t.rows = append(t.rows, []string{e.Schema, e.Collection, strings.Join(e.Indexes, ", ")})
			}
			return cli.formatter().Write(cli.out, data, t)
		},
	}
}

func (cli *CLI) indexesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes <schema>",
		Short: "List the indexes of a schema's collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "list indexes"
			s, err := cli.lookupSchema(op, args[0])
			if err != nil {
				return err
			}
			alias := cli.config.Alias
			if alias == "" {
				alias = s.Alias()
			}
			drv, err := cli.registry.Get(cmd.Context(), alias)
			if err != nil {
				return WrapError(op, err)
			}
			models, err := drv.ListIndexes(cmd.Context(), s.Collection())
			if err != nil {
				return WrapError(op, err)
			}
			var data bson.A
			t := table{headers: []string{"name", "keys", "unique", "sparse"}}
			for _, m := range models {
				data = append(data, bson.D{
					{Key: "name", Value: m.Options.Name},
					{Key: "keys", Value: m.Keys},
					{Key: "unique", Value: m.Options.Unique},
					{Key: "sparse", Value: m.Options.Sparse},
				})
				t.rows = append(t.rows, []string{
					m.Options.Name, cell(m.Keys),
					strconv.FormatBool(m.Options.Unique), strconv.FormatBool(m.Options.Sparse),
				})
			}
			return cli.formatter().Write(cli.out, data, t)
		},
	}
}

func (cli *CLI) pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [alias...]",
		Short: "Check the configured connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			aliases := args
			if len(aliases) == 0 {
				aliases = cli.registry.Aliases()
			}
			if len(aliases) == 0 {
				return NewConfigError("ping", "no connections configured", CommonSuggestions.CheckConfig)
			}
			type status struct {
				Alias  string `json:"alias" yaml:"alias"`
				OK     bool   `json:"ok" yaml:"ok"`
				Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
			}
			var data []status
			var failed int
			t := table{headers: []string{"alias", "status", "detail"}}
			for _, alias := range aliases {
				st := status{Alias: alias, OK: true}
				drv, err := cli.registry.Get(cmd.Context(), alias)
				if err == nil {
					err = drv.Ping(cmd.Context())
				}
				state := "ok"
				if err != nil {
					st.OK, st.Detail = false, err.Error()
					state = "unreachable"
					failed++
				}
				data = append(data, st)
				t.rows = append(t.rows, []string{alias, state, st.Detail})
			}
			if err := cli.formatter().Write(cli.out, data, t); err != nil {
				return err
			}
			if failed > 0 {
				return &CLIError{Operation: "ping", Cause: fmt.Sprintf("%d of %d connections unreachable", failed, len(aliases))}
			}
			return nil
		},
	}
}
