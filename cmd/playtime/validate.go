package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/config"
	"github.com/spf13/cobra"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Playtime configuration file and compile the action policy it points at.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with non-default values highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Configuration validation failed:"), err)
		return err
	}

	if _, err := arcade.NewOPAAuthorizer(cfg.Policy.OPAPolicyDir, quietLogger()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Action policy failed to compile:"), err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "%s could not check for unknown keys: %v\n", color.YellowString("Warning:"), err)
	}

	fmt.Printf("%s %s\n", color.GreenString("Configuration is valid:"), configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Println()
		red.Printf("WARNING: found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Printf("   - %s\n", key)
		}
		fmt.Println("\nThese keys are ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		fmt.Println("\n" + strings.Repeat("=", 80))
		fmt.Println("FULL CONFIGURATION (values different from defaults are highlighted)")
		fmt.Println(strings.Repeat("=", 80))
		dumpSection("", reflect.ValueOf(*cfg), reflect.ValueOf(*config.Defaults()))
		fmt.Println("\n" + strings.Repeat("=", 80))
	}

	return nil
}

// dumpSection walks a configuration struct, printing nested structs as
// [section] headers and leaves through dumpField.
func dumpSection(prefix string, value, defaults reflect.Value) {
	cyan := color.New(color.FgCyan, color.Bold)
	indent := strings.Repeat("  ", strings.Count(prefix, ".")+boolInt(prefix != ""))

	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		field, def := value.Field(i), defaults.Field(i)
		if field.Kind() == reflect.Struct {
			cyan.Printf("\n%s[%s]\n", indent, key)
			dumpSection(key, field, def)
			continue
		}

		v, d := field.Interface(), def.Interface()
		if isSecret(name) {
			v, d = redact(v), redact(d)
		}
		dumpField(indent+name, v, d)
	}
}

// dumpField prints a field, highlighting it when it differs from the default.
func dumpField(name string, value, defaultValue interface{}) {
	if reflect.DeepEqual(value, defaultValue) {
		color.New(color.FgGreen).Printf("%s = %v\n", name, value)
		return
	}
	color.New(color.FgYellow, color.Bold).Printf("%s = %v  (modified from default: %v)\n", name, value, defaultValue)
}

func isSecret(name string) bool {
	return name == "password" || name == "token" || name == "jwt_secret" || name == "initial_password"
}

func redact(v interface{}) interface{} {
	if s, ok := v.(string); ok && s != "" {
		return "***REDACTED***"
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
