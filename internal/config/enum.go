package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/xerrors"
)

type (
	MetaStorageType int32
	DLQType         int32
)

const (
	MetaStorageType_UNSPECIFIED MetaStorageType = iota
	MetaStorageType_SQLITE
	MetaStorageType_MYSQL
)

const (
	DLQType_UNSPECIFIED DLQType = iota
	DLQType_SQS
	DLQType_MEMORY
)

const unspecified = "UNSPECIFIED"

var (
	metaStorageTypeNames = map[MetaStorageType]string{
		MetaStorageType_UNSPECIFIED: unspecified,
		MetaStorageType_SQLITE:      "SQLITE",
		MetaStorageType_MYSQL:       "MYSQL",
	}

	dlqTypeNames = map[DLQType]string{
		DLQType_UNSPECIFIED: unspecified,
		DLQType_SQS:         "SQS",
		DLQType_MEMORY:      "MEMORY",
	}
)

func (t MetaStorageType) String() string {
	return enumName(metaStorageTypeNames, t)
}

func (t DLQType) String() string {
	return enumName(dlqTypeNames, t)
}

func enumName[T comparable](names map[T]string, v T) string {
	if name, ok := names[v]; ok {
		return name
	}
	return unspecified
}

// enumHook decodes the yml/env name of an enum value, case-insensitively.
// UNSPECIFIED is accepted but never listed as a choice.
func enumHook[T ~int32](kind string, names map[T]string) mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(T(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != target {
			return data, nil
		}

		name := strings.ToUpper(data.(string))
		var choices []string
		for v, n := range names {
			if n == name {
				return v, nil
			}
			if n != unspecified {
				choices = append(choices, n)
			}
		}
		sort.Strings(choices)
		return nil, xerrors.Errorf("invalid %v: %v, possible values are: %v", kind, data, strings.Join(choices, ", "))
	}
}
