package policy

import (
	"time"

	"github.com/dlnk/licensecore/internal/model"
)

// Default returns the built-in policy. Every default lives in this file.
func Default() Policy {
	return Policy{
		FeaturesFor: map[model.LicenseType][]string{
			model.LicenseTrial:      {"basic_protection", "dashboard"},
			model.LicenseBasic:      {"basic_protection", "dashboard", "updates"},
			model.LicensePro:        {"advanced_protection", "basic_protection", "dashboard", "priority_support", "reports", "updates"},
			model.LicenseEnterprise: {"advanced_protection", "api_access", "basic_protection", "dashboard", "multi_device", "priority_support", "reports", "updates"},
			model.LicenseAdmin:      {"admin_panel", "advanced_protection", "api_access", "basic_protection", "dashboard", "multi_device", "priority_support", "reports", "updates"},
		},
		DefaultDuration: map[model.LicenseType]int{
			model.LicenseTrial:      7,
			model.LicenseBasic:      30,
			model.LicensePro:        30,
			model.LicenseEnterprise: 365,
			model.LicenseAdmin:      3650,
		},
		MaxDevicesFor: map[model.LicenseType]int{
			model.LicenseTrial:      1,
			model.LicenseBasic:      1,
			model.LicensePro:        3,
			model.LicenseEnterprise: 10,
			model.LicenseAdmin:      5,
		},
		IssuableBy: map[model.Role][]model.LicenseType{
			model.RoleAdmin:      {model.LicenseTrial, model.LicenseBasic, model.LicensePro, model.LicenseEnterprise},
			model.RoleSuperAdmin: {model.LicenseTrial, model.LicenseBasic, model.LicensePro, model.LicenseEnterprise, model.LicenseAdmin},
		},

		MaxAttempts:        5,
		LockoutBaseMinutes: 15,
		LockoutMaxMinutes:  24 * 60,

		SessionTTL:        24 * time.Hour,
		OfflineGraceDays:  7,
		PasswordMinLength: 8,
		ExpiringSoonDays:  7,
		ClockSkew:         24 * time.Hour,
		RetentionDays:     365,
	}
}
