package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const supportFileHeadLines = 200

// RegisterSupportPackageTools adds inspection tools over an unpacked
// support package directory. Paths are confined to the package root.
func RegisterSupportPackageTools(m *Manager, root string) {
	m.Register(Definition{
		Name:        "list_support_files",
		Description: "List files inside the support package, with sizes.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Cacheable: true,
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			var files []map[string]interface{}
			err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				rel, rerr := filepath.Rel(root, path)
				if rerr != nil {
					return rerr
				}
				files = append(files, map[string]interface{}{
					"path": rel,
					"size": info.Size(),
				})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk support package: %w", err)
			}
			return files, nil
		},
	})

	m.Register(Definition{
		Name:        "read_support_file",
		Description: "Read the first lines of one file from the support package.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path relative to the package root",
				},
				"lines": map[string]interface{}{
					"type":        "integer",
					"description": "Max lines to read (default 200)",
				},
			},
			"required": []interface{}{"path"},
		},
		Cacheable: true,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			rel, _ := args["path"].(string)
			full, err := confine(root, rel)
			if err != nil {
				return nil, err
			}
			limit := supportFileHeadLines
			if n, ok := args["lines"].(float64); ok && n > 0 {
				limit = int(n)
			}
			f, err := os.Open(full)
			if err != nil {
				return nil, fmt.Errorf("open support file: %w", err)
			}
			defer f.Close()

			var lines []string
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for len(lines) < limit && scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("read support file: %w", err)
			}
			return map[string]interface{}{
				"path":      rel,
				"lines":     lines,
				"truncated": len(lines) == limit,
			}, nil
		},
	})

	m.Register(Definition{
		Name:        "grep_support_files",
		Description: "Search every file in the support package for a case-insensitive substring, returning matching lines with file and line number.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Substring to search for",
				},
			},
			"required": []interface{}{"query"},
		},
		Cacheable: true,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			needle := strings.ToLower(query)
			var matches []map[string]interface{}
			err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() || len(matches) >= 100 {
					return err
				}
				f, oerr := os.Open(path)
				if oerr != nil {
					return nil
				}
				defer f.Close()
				rel, _ := filepath.Rel(root, path)
				scanner := bufio.NewScanner(f)
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				lineNo := 0
				for scanner.Scan() && len(matches) < 100 {
					lineNo++
					line := scanner.Text()
					if strings.Contains(strings.ToLower(line), needle) {
						matches = append(matches, map[string]interface{}{
							"file": rel,
							"line": lineNo,
							"text": line,
						})
					}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("grep support package: %w", err)
			}
			return matches, nil
		},
	})
}

// confine resolves rel under root and rejects escapes.
func confine(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes support package: %q", rel)
	}
	return full, nil
}
