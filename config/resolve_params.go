package config

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

var inlineParam = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Resolve replaces parameter references in a YAML document tree. A mapping of
// the form `{ $param: NAME }` is replaced by the value of NAME, which then
// decodes into whatever type the target field has. Strings may also embed
// `${NAME}` references.
func Resolve(node *yaml.Node, params *Params) error {
	return resolveNode(node, params, "")
}

func resolveNode(node *yaml.Node, params *Params, path string) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := resolveNode(child, params, path); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		// Check if this is a $param reference node
		if len(node.Content) == 2 && node.Content[0].Value == "$param" {
			nameNode := node.Content[1]
			if nameNode.Kind != yaml.ScalarNode {
				return fmt.Errorf("param name at %q must be a string", path)
			}

			value, exists := params.Get(nameNode.Value)
			if !exists {
				return fmt.Errorf("missing parameter %q at %q", nameNode.Value, path)
			}

			// An untagged plain scalar resolves to the type of the target field
			*node = yaml.Node{Kind: yaml.ScalarNode, Value: value, Line: node.Line, Column: node.Column}
			return nil
		}

		// Regular mapping, process each value
		for i := 0; i+1 < len(node.Content); i += 2 {
			childPath := node.Content[i].Value
			if path != "" {
				childPath = path + "." + childPath
			}
			if err := resolveNode(node.Content[i+1], params, childPath); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for i, item := range node.Content {
			if err := resolveNode(item, params, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		var missing []string
		resolved := inlineParam.ReplaceAllStringFunc(node.Value, func(ref string) string {
			name := inlineParam.FindStringSubmatch(ref)[1]
			value, exists := params.Get(name)
			if !exists {
				missing = append(missing, name)
			}
			return value
		})
		if len(missing) > 0 {
			return fmt.Errorf("missing parameter %q at %q", missing[0], path)
		}
		if resolved != node.Value {
			node.Value = resolved
			if node.Style == 0 {
				// Let the substituted text resolve to the target field's type
				node.Tag = ""
			}
		}
	}

	return nil
}
