// Command inspect prints the notifications stored in a hub database as a table.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"server-hub/repositories"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", "./data/badger", "Path to badger DB")
	prefix := flag.String("prefix", "notif/", "Prefix to scan, archive/ for archived records")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	if err = dump(db, *prefix, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func dump(db *badger.DB, prefix string, out io.Writer) error {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Recipient", "Seq", "Scope", "State", "Read", "Created", "Heading"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			recipient, seq, ok := repositories.ParseRecordKey(item.Key())
			if !ok {
				continue
			}
			err := item.Value(func(v []byte) error {
				record, err := repositories.DecodeRecord(v)
				if err != nil {
					// Keep going, one bad value should not hide the others
					fmt.Fprintf(out, "Error decoding key %s: %v\n", item.Key(), err)
					return nil
				}
				scope := "-"
				if record.HasScope() {
					scope = string(*record.Scope)
				}
				table.Append([]string{
					string(recipient),
					fmt.Sprint(seq),
					scope,
					string(record.State),
					fmt.Sprint(record.Read),
					record.CreatedAt.Format("2006-01-02 15:04:05"),
					record.Heading,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil && strings.Contains(err.Error(), "Log truncate required") {
		// A crashed writer leaves the value log dirty, a writable open truncates it
		return badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithBypassLockGuard(true))
	}
	return db, err
}
