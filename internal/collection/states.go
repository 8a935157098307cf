package collection

// MemberStates はメンバーの状態分類です。
type MemberStates struct {
	Missing  []string            `json:"missing"`
	ByStatus map[Status][]string `json:"byStatus"`
}

// States はロード済みのメンバー情報から状態を分類します。
func (c *Collection) States() MemberStates {
	states := MemberStates{
		Missing:  []string{},
		ByStatus: make(map[Status][]string),
	}
	for _, m := range c.Members() {
		if m.Missing() {
			states.Missing = append(states.Missing, m.JobID)
			continue
		}
		states.ByStatus[m.Job.Status] = append(states.ByStatus[m.Job.Status], m.JobID)
	}
	return states
}

// AllFinished は全メンバーが FINISHED かどうかを返します。
func (c *Collection) AllFinished() bool {
	states := c.States()
	if len(states.Missing) > 0 {
		return false
	}
	finished, ok := states.ByStatus[StatusFinished]
	if !ok {
		return false
	}
	return len(finished) == c.Len()
}

// CanStillFinish はまだ全メンバーの完了が見込めるかを返します。
// ジョブ行の欠落、または FAILED / TIMEOUT / DELETED のメンバーがあれば false です。
func (c *Collection) CanStillFinish() bool {
	states := c.States()
	if len(states.Missing) > 0 {
		return false
	}
	for _, s := range []Status{StatusFailed, StatusTimeout, StatusDeleted} {
		if len(states.ByStatus[s]) > 0 {
			return false
		}
	}
	return true
}
