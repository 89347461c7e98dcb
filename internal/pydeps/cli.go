package pydeps

import (
	"github.com/iancoleman/strcase"
)

// argBuilder accumulates CLI arguments from snake_case option names,
// rendering them as --kebab-case flags.
type argBuilder struct {
	args []string
}

func cliArg(name string) string {
	return "--" + strcase.ToKebab(name)
}

func (b *argBuilder) flag(name string, enabled bool) *argBuilder {
	if enabled {
		b.args = append(b.args, cliArg(name))
	}
	return b
}

func (b *argBuilder) value(name, value string) *argBuilder {
	if value != "" {
		b.args = append(b.args, cliArg(name), value)
	}
	return b
}
