package jobs

var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusQueued:     true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusCompleted: {
		StatusCompleted: true,
	},
	StatusFailed: {
		StatusFailed: true,
	},
}

// CanTransition は from から to への状態遷移が許可されているかを返します。
// Queued -> Completed はイベント取りこぼしで Processing を観測できなかった場合の追従に使います。
func CanTransition(from, to Status) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}
