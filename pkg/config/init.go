package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// sectionComments are written above the top-level sections of a generated
// configuration file.
var sectionComments = map[string]string{
	"logging": "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json)\nand output (stdout, stderr or a file path).",
	"rpc":     "RPC transaction engine shared by all mounts. pool_mode is what a\ncall does when its transaction pool is exhausted: fail, wait or create.",
	"nfs":     "NFS protocol engine. Attributes are trusted for attr_ttl after\nbeing fetched; file contents are never cached.",
	"metrics": "Prometheus metrics, served on http://localhost:<port>/metrics.",
	"mounts":  "Exports to mount. options accept server, mount_server, export, uid,\ngid, groups, machine_name, ping, read_size, write_size, timeout,\ninitial_retry, min_retry, max_retry, rate_limit and rate_burst.",
}

// InitConfig writes a default configuration file to the default location
// and returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each section. Durations are written in their string form ("5s") so
// the file reads naturally and loads back through viper.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	humanizeDurations(&doc, reflect.ValueOf(*cfg))

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# nfsclient Configuration File\n")
	buf.WriteString("#\n")
	buf.WriteString("# Every value can be overridden with an NFSCLIENT_ environment variable,\n")
	buf.WriteString("# e.g. NFSCLIENT_LOGGING_LEVEL=DEBUG.\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// humanizeDurations walks node alongside v and rewrites time.Duration
// scalars from nanosecond counts to duration strings.
func humanizeDurations(node *yaml.Node, v reflect.Value) {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		humanizeDurations(node.Content[0], v)
		return
	}

	switch {
	case v.Type() == durationType:
		node.Kind = yaml.ScalarNode
		node.Tag = "!!str"
		node.Value = time.Duration(v.Int()).String()

	case v.Kind() == reflect.Struct && node.Kind == yaml.MappingNode:
		fields := make(map[string]reflect.Value, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("yaml"), ",")
			if name == "" {
				name = strings.ToLower(v.Type().Field(i).Name)
			}
			fields[name] = v.Field(i)
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			if field, ok := fields[node.Content[i].Value]; ok {
				humanizeDurations(node.Content[i+1], field)
			}
		}

	case v.Kind() == reflect.Slice && node.Kind == yaml.SequenceNode:
		for i := 0; i < v.Len() && i < len(node.Content); i++ {
			humanizeDurations(node.Content[i], v.Index(i))
		}
	}
}
