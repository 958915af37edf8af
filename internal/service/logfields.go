package service

import (
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/licensekey"
	"github.com/dlnk/licensecore/internal/model"
)

func zapKey(key string) zap.Field { return zap.String("key", licensekey.MaskKey(key)) }

func zapType(t model.LicenseType) zap.Field { return zap.String("type", string(t)) }

func zapPrincipal(p string) zap.Field { return zap.String("principal", audit.MaskPrincipal(p)) }

func zapErr(err error) zap.Field { return zap.Error(err) }
