package admission

import (
	"gomodules.xyz/jsonpatch/v2"
)

const (
	tolerationsPath      = "/spec/tolerations"
	appendTolerationPath = tolerationsPath + "/-"
)

// initTolerations creates the tolerations array so later appends have a
// target.
func initTolerations() jsonpatch.JsonPatchOperation {
	return jsonpatch.JsonPatchOperation{
		Operation: "add",
		Path:      tolerationsPath,
		Value:     []interface{}{},
	}
}

func addToleration(toleration map[string]string) jsonpatch.JsonPatchOperation {
	return jsonpatch.JsonPatchOperation{
		Operation: "add",
		Path:      appendTolerationPath,
		Value:     toleration,
	}
}

// tolerationFor copies template and sets its value to arch.
func tolerationFor(template map[string]string, arch string) map[string]string {
	out := make(map[string]string, len(template)+1)
	for k, v := range template {
		out[k] = v
	}
	out["value"] = arch
	return out
}
