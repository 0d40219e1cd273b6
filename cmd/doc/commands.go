package doc

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/transport/http"
	"github.com/spf13/cobra"
)

var (
	insertCmd = &cobra.Command{
		Use:   "insert [collection] [contents]",
		Short: "Inserts a document with a new id (contents '-' reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := readContents(args[1])
			if err != nil {
				return err
			}
			attachments, err := readAttachments(cmd)
			if err != nil {
				return err
			}
			header, err := rpcClient.InsertDocument(cmd.Context(), args[0], contents, attachments)
			if err != nil {
				return err
			}
			fmt.Printf("id=%d, revision=%s\n", header.ID, header.Revision)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [collection] [id]",
		Short: "Reads a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			doc, err := rpcClient.GetDocument(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			printDocument(doc)
			return nil
		},
	}
	listCmd = &cobra.Command{
		Use:   "list [collection]",
		Short: "Lists documents in id order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetUint64("start")
			limit, _ := cmd.Flags().GetInt("limit")
			docs, err := rpcClient.ListDocuments(cmd.Context(), args[0], start, limit)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				printDocument(doc)
			}
			return nil
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [collection] [id] [revision] [contents]",
		Short: "Updates a document if it is still at the given revision",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			rev, err := document.ParseRevision(args[2])
			if err != nil {
				return err
			}
			contents, err := readContents(args[3])
			if err != nil {
				return err
			}
			next, err := rpcClient.UpdateDocument(cmd.Context(), args[0], id, rev, contents)
			if err != nil {
				return err
			}
			fmt.Printf("revision=%s\n", next)
			return nil
		},
	}
	overwriteCmd = &cobra.Command{
		Use:   "overwrite [collection] [id] [contents]",
		Short: "Writes a document without checking its revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			contents, err := readContents(args[2])
			if err != nil {
				return err
			}
			header, err := rpcClient.OverwriteDocument(cmd.Context(), args[0], id, contents)
			if err != nil {
				return err
			}
			fmt.Printf("id=%d, revision=%s\n", header.ID, header.Revision)
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [collection] [id] [revision]",
		Short: "Deletes a document if it is still at the given revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			rev, err := document.ParseRevision(args[2])
			if err != nil {
				return err
			}
			if err := rpcClient.DeleteDocument(cmd.Context(), args[0], id, rev); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints collections, views and index state of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := rpcClient.Info(cmd.Context())
			if err != nil {
				return err
			}
			return util.PrintJSON(info)
		},
	}
	lastTxCmd = &cobra.Command{
		Use:   "last-tx",
		Short: "Prints the id of the last committed transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := rpcClient.LastTransactionID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("last_transaction_id=%d\n", id)
			return nil
		},
	}
	listTxCmd = &cobra.Command{
		Use:   "txs",
		Short: "Lists executed transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, _ := cmd.Flags().GetUint64("start")
			limit, _ := cmd.Flags().GetInt("limit")
			txs, err := rpcClient.ListExecutedTransactions(cmd.Context(), start, limit)
			if err != nil {
				return err
			}
			return util.PrintJSON(txs)
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [view]",
		Short: "Queries the entries of a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rpcClient.QueryView(cmd.Context(), args[0], queryFromFlags(cmd))
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				fmt.Fprintf(os.Stderr, "warning: document %d: %s\n", w.DocumentID, w.Message)
			}
			for _, e := range result.Entries {
				fmt.Printf("key=%q, id=%d, value=%q\n", e.Key, e.DocumentID, e.Value)
			}
			return nil
		},
	}
	reduceCmd = &cobra.Command{
		Use:   "reduce [view]",
		Short: "Reduces the entries of a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queryFromFlags(cmd)
			if grouped, _ := cmd.Flags().GetBool("grouped"); grouped {
				values, err := rpcClient.ReduceGrouped(cmd.Context(), args[0], q)
				if err != nil {
					return err
				}
				for _, v := range values {
					fmt.Printf("key=%q, value=%s\n", v.Key, formatReduced(v.Value))
				}
				return nil
			}
			value, err := rpcClient.ReduceView(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			fmt.Printf("value=%s\n", formatReduced(value))
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [collection]",
		Short: "Prints change events of a database as JSON (http endpoints only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := ""
			if len(args) == 1 {
				collection = args[0]
			}
			endpoint := util.GetClientConfig().Transport.Endpoints[0]
			return http.Watch(cmd.Context(), endpoint, util.GetDatabaseID(), collection, func(event []byte) bool {
				fmt.Println(string(event))
				return true
			})
		},
	}
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id must be a number: %w", err)
	}
	return id, nil
}

func readContents(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return []byte(arg), nil
}

// readAttachments loads the files given as NAME=FILE
func readAttachments(cmd *cobra.Command) (map[string][]byte, error) {
	pairs, _ := cmd.Flags().GetStringSlice("attach")
	if len(pairs) == 0 {
		return nil, nil
	}
	attachments := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attachment %q (expected NAME=FILE)", pair)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		attachments[name] = data
	}
	return attachments, nil
}

func queryFromFlags(cmd *cobra.Command) storage.Query {
	var q storage.Query
	flags := cmd.Flags()
	if flags.Changed("key") {
		key, _ := flags.GetString("key")
		q.Key = schema.KeyString(key)
	}
	if flags.Changed("prefix") {
		prefix, _ := flags.GetString("prefix")
		q.Prefix = schema.KeyString(prefix)
	}
	if flags.Changed("from") || flags.Changed("to") {
		q.Range = &storage.KeyRange{}
		if from, _ := flags.GetString("from"); flags.Changed("from") {
			q.Range.Start = schema.KeyString(from)
		}
		if to, _ := flags.GetString("to"); flags.Changed("to") {
			q.Range.End = schema.KeyString(to)
		}
	}
	if eventual, _ := flags.GetBool("eventual"); eventual {
		q.Consistency = storage.ConsistencyEventual
	}
	q.Descending, _ = flags.GetBool("descending")
	q.Limit, _ = flags.GetInt("limit")
	return q
}

// formatReduced prints values produced by the int64 reducers as numbers
func formatReduced(value []byte) string {
	if n, err := schema.DecodeInt64(value); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return strconv.Quote(string(value))
}

func printDocument(doc *document.Document) {
	fmt.Printf("id=%d, revision=%s, contents=%s", doc.ID, doc.Revision, doc.Contents)
	for name, data := range doc.Attachments {
		fmt.Printf(", attachment[%s]=%d bytes", name, len(data))
	}
	fmt.Println()
}
