// Package all 注册所有内置的操作适配器
package all

import (
	_ "yqhp/cycle-engine/internal/adapter/diag"
	_ "yqhp/cycle-engine/internal/adapter/http"
)
