package models

import "path/filepath"

// Role identifies one of the models of a Suite.
type Role string

const (
	RoleCategory Role = "category"
	RoleSpan     Role = "span"
	RolePIT      Role = "pit"
	RolePurpose  Role = "purpose"
	RoleTPE      Role = "tpe"
	RoleDDN      Role = "ddn"
)

// Files expected inside every model subfolder.
const (
	ModelFileName        = "model.onnx"
	TokenizerFileName    = "tokenizer.json"
	LabelMappingFileName = "label_mapping.json"
)

// ModelSpec describes where a model lives and how its input is shaped.
type ModelSpec struct {
	Role      Role
	Subfolder string
	MaxLength int
	// LabelMapping is set when the model ships a label_mapping.json.
	LabelMapping bool
}

// DefaultSpecs lists the six models of the analysis pipeline.
var DefaultSpecs = []ModelSpec{
	{Role: RoleCategory, Subfolder: "fine_tuned_bert_5", MaxLength: 512},
	{Role: RoleSpan, Subfolder: "spanbert-finetuned", MaxLength: 512},
	{Role: RolePIT, Subfolder: "PIT_fine_tuned_bert", MaxLength: 256, LabelMapping: true},
	{Role: RolePurpose, Subfolder: "PP_fine_tuned_bert", MaxLength: 512, LabelMapping: true},
	{Role: RoleTPE, Subfolder: "TPE_fine_tuned_bert", MaxLength: 256, LabelMapping: true},
	{Role: RoleDDN, Subfolder: "DDN_fine_tuned_bert", MaxLength: 128},
}

// SpecFor returns the default spec for a role.
func SpecFor(role Role) (ModelSpec, bool) {
	for _, s := range DefaultSpecs {
		if s.Role == role {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// RequiredFiles returns the file names a local copy of the model must contain.
func (s ModelSpec) RequiredFiles() []string {
	files := []string{ModelFileName, TokenizerFileName}
	if s.LabelMapping {
		files = append(files, LabelMappingFileName)
	}
	return files
}

// ModelFiles holds absolute paths of a model's files.
type ModelFiles struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// FilesIn resolves the model's files below a root directory.
func (s ModelSpec) FilesIn(root string) ModelFiles {
	dir := filepath.Join(root, s.Subfolder)
	files := ModelFiles{
		ModelPath:     filepath.Join(dir, ModelFileName),
		TokenizerPath: filepath.Join(dir, TokenizerFileName),
	}
	if s.LabelMapping {
		files.LabelMapPath = filepath.Join(dir, LabelMappingFileName)
	}
	return files
}
