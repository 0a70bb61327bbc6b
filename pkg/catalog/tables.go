// Package catalog records the framework schema facts the upgrade helpers
// rely on: metadata table names, model/table naming conventions, external-id
// naming patterns, and module lifecycle states.
package catalog

// Metadata tables driving the framework runtime.
const (
	TableModule           = "ir_module_module"
	TableModuleDependency = "ir_module_module_dependency"
	TableModel            = "ir_model"
	TableModelFields      = "ir_model_fields"
	TableModelData        = "ir_model_data"
	TableModelConstraint  = "ir_model_constraint"
	TableModelRelation    = "ir_model_relation"
	TableTranslation      = "ir_translation"
	TableProperty         = "ir_property"
	TableAttachment       = "ir_attachment"
	TableFilters          = "ir_filters"
	TableRule             = "ir_rule"
	TableModelAccess      = "ir_model_access"
	TableActWindow        = "ir_act_window"
	TableActServer        = "ir_act_server"
	TableUIView           = "ir_ui_view"
	TableUIViewCustom     = "ir_ui_view_custom"
	TableUIMenu           = "ir_ui_menu"
	TableConfigParameter  = "ir_config_parameter"
	TableValues           = "ir_values" // dropped by the framework in 10.saas~14
)

// InstalledStates are the ir_module_module states that count as "(about to
// be) installed" for every helper that gates on installation.
var InstalledStates = []string{"installed", "to install", "to upgrade"}

// Module states the helpers write back.
const (
	StateInstalled   = "installed"
	StateToInstall   = "to install"
	StateToUpgrade   = "to upgrade"
	StateToRemove    = "to remove"
	StateUninstalled = "uninstalled"
)

// UnknownModel is the placeholder model custom references are re-targeted to
// when their original model is removed.
const UnknownModel = "_unknown"
