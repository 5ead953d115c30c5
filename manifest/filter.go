package manifest

import (
	"fmt"
	"path"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// filterEnv exposes an object to the Include expression. size and contentType
// come from the object's metadata, not from the notification.
func filterEnv(bucket, event string, info objectstore.ObjectInfo) map[string]any {
	return map[string]any{
		"bucket":      bucket,
		"key":         info.Key,
		"ext":         strings.ToLower(path.Ext(info.Key)),
		"size":        info.Size,
		"contentType": info.ContentType,
		"event":       event,
	}
}

func compileFilter(src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(filterEnv("", "", objectstore.ObjectInfo{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile include expression: %w", err)
	}
	return program, nil
}

// included reports whether the object passes the Include expression.
func (u *Updater) included(event string, info objectstore.ObjectInfo) (bool, error) {
	if u.include == nil {
		return true, nil
	}
	out, err := expr.Run(u.include, filterEnv(u.cfg.Bucket, event, info))
	if err != nil {
		return false, fmt.Errorf("evaluate include expression for %q: %w", info.Key, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
