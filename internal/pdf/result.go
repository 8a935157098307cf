package pdf

// SourceFileMeta は結合に使った入力ファイルの情報です。
type SourceFileMeta struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// MergeMeta は結合処理のメタデータです。
type MergeMeta struct {
	Output     string           `json:"output"`
	OutputSize int64            `json:"outputSize"`
	TotalPages int              `json:"totalPages"`
	Sources    []SourceFileMeta `json:"sources"`
}

// PackageMeta はアーカイブ化処理のメタデータです。
type PackageMeta struct {
	Output     string   `json:"output"`
	OutputSize int64    `json:"outputSize"`
	InputSize  int64    `json:"inputSize"`
	Entries    []string `json:"entries"`
}
