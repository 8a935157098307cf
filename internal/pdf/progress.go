package pdf

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

// 進捗ステージ
const (
	StageExtract   = "extract"
	StageMerge     = "merge"
	StagePackage   = "package"
	StageStore     = "store"
	StageCompleted = "completed"
)

// ReportProgress は percent を 0〜100 に丸めて cb を呼びます。cb が nil なら何もしません。
func ReportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}
