package catalog

import (
	"fmt"
	"strings"
)

// FieldXMLID builds the ir_model_data name of a field record. The separator
// between model and field doubled in saas~11.2; callers pass the convention
// in force on the database being migrated.
func FieldXMLID(model, field string, doubleUnderscore bool) string {
	sep := "_"
	if doubleUnderscore {
		sep = "__"
	}
	return fmt.Sprintf("field_%s%s%s", strings.ReplaceAll(model, ".", "_"), sep, field)
}

// FieldXMLIDPrefix returns the ir_model_data name prefix shared by all
// fields of a model, suitable for LIKE patterns.
func FieldXMLIDPrefix(model string, doubleUnderscore bool) string {
	sep := "_"
	if doubleUnderscore {
		sep = "__"
	}
	return fmt.Sprintf("field_%s%s", strings.ReplaceAll(model, ".", "_"), sep)
}

// ModelXMLID builds the ir_model_data name of an ir_model record.
func ModelXMLID(model string) string {
	return "model_" + strings.ReplaceAll(model, ".", "_")
}

// ModuleXMLID builds the ir_model_data name of an ir_module_module record.
func ModuleXMLID(module string) string {
	return "module_" + module
}

// SplitXMLID splits a fully qualified external id into module and name.
// Ids without a module part resolve to the empty module.
func SplitXMLID(xmlid string) (module, name string) {
	if i := strings.IndexByte(xmlid, '.'); i >= 0 {
		return xmlid[:i], xmlid[i+1:]
	}
	return "", xmlid
}
