package cli

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
)

const stdinArg = "-"

// readInput returns the raw bytes of arg: "-" reads in, an existing file is
// read from disk, anything else is taken as inline JSON.
func readInput(arg string, in io.Reader) ([]byte, string, error) {
	if arg == stdinArg {
		data, err := io.ReadAll(in)
		return data, "", err
	}
	if helpers.FileExists(arg, nil) {
		file, err := helpers.OpenDataFile(filepath.Dir(arg), filepath.Base(arg))
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		return data, strings.ToLower(filepath.Ext(arg)), err
	}
	return []byte(arg), "", nil
}

// parseDocuments decodes one document, or an array of them, from relaxed or
// canonical extended JSON. A .bson file holds a single BSON document.
func parseDocuments(data []byte, ext string) ([]any, error) {
	if ext == ".bson" {
		doc, err := helpers.DecodeBSON(data)
		if err != nil {
			return nil, err
		}
		return []any{doc}, nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no input document")
	}
	if trimmed[0] != '[' {
		var doc bson.D
		if err := bson.UnmarshalExtJSON(trimmed, false, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON document: %w", err)
		}
		return []any{doc}, nil
	}

	// ExtJSON only decodes documents at the top level.
	wrapped := append(append([]byte(`{"d":`), trimmed...), '}')
	var doc bson.D
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	items, _ := helpers.ToSlice(doc[0].Value)
	for i, item := range items {
		if !helpers.IsDocument(item) {
			return nil, fmt.Errorf("array element %d is not a document", i)
		}
	}
	return items, nil
}

func parseDocument(data []byte, ext string) (any, error) {
	docs, err := parseDocuments(data, ext)
	if err != nil {
		return nil, err
	}
	if len(docs) != 1 {
		return nil, fmt.Errorf("expected one document, got %d", len(docs))
	}
	return docs[0], nil
}

// writeDocument prints doc as one line of relaxed extended JSON.
func writeDocument(w io.Writer, doc any) error {
	if helpers.IsNull(doc) {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeDocuments[T any](w io.Writer, docs []T) error {
	for _, doc := range docs {
		if err := writeDocument(w, doc); err != nil {
			return err
		}
	}
	return nil
}
