// Package output provides output formatting for tokmesh-cli.
package output

import "io"

// YAMLFormatter is the formatter for the yaml output format. YAML
// encoding is not implemented.
type YAMLFormatter struct{}

// Format writes nothing to w and returns nil.
func (f *YAMLFormatter) Format(w io.Writer, data any) error {
	// TODO: Use gopkg.in/yaml.v3 for YAML encoding
	return nil
}
