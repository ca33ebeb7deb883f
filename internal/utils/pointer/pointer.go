package pointer

func String(v string) *string {
	return &v
}

// StringDeref returns "" for nil, which is how optional columns and SQS attributes read when unset.
func StringDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func Int64(v int64) *int64 {
	return &v
}

func Uint64(v uint64) *uint64 {
	return &v
}

func Uint64Deref(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func Bool(v bool) *bool {
	return &v
}
