package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 配置验证常量
const (
	TripLogRetentionDaysMin      = 1
	TripLogRetentionDaysMax      = 365
	TripLogRetentionDaysDisabled = -1 // 永久保留
)

// AdminListSettings 获取所有配置项
// GET /admin/settings
func (s *Server) AdminListSettings(c *gin.Context) {
	settings, err := s.configService.ListAllSettings(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("AdminListSettings failed")
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondJSON(c, http.StatusOK, gin.H{"settings": settings})
}

// AdminGetSetting 获取单个配置项
// GET /admin/settings/:key
func (s *Server) AdminGetSetting(c *gin.Context) {
	key := c.Param("key")
	setting := s.configService.GetSetting(key)
	if setting == nil {
		RespondErrorMsg(c, http.StatusNotFound, fmt.Sprintf("setting not found: %s", key))
		return
	}
	RespondJSON(c, http.StatusOK, setting)
}

// AdminUpdateSetting 更新配置项
// PUT /admin/settings/:key
func (s *Server) AdminUpdateSetting(c *gin.Context) {
	key := c.Param("key")

	var req SettingUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	setting := s.configService.GetSetting(key)
	if setting == nil {
		RespondErrorMsg(c, http.StatusNotFound, fmt.Sprintf("setting not found: %s", key))
		return
	}
	if err := s.applySetting(c, key, setting.ValueType, req.Value); err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{"key": key, "value": req.Value}).Info("Setting updated")
	RespondJSON(c, http.StatusOK, gin.H{
		"message": "配置已保存",
		"key":     key,
		"value":   req.Value,
	})
}

// AdminResetSetting 重置配置为默认值
// POST /admin/settings/:key/reset
func (s *Server) AdminResetSetting(c *gin.Context) {
	key := c.Param("key")
	setting := s.configService.GetSetting(key)
	if setting == nil {
		RespondErrorMsg(c, http.StatusNotFound, fmt.Sprintf("setting not found: %s", key))
		return
	}
	if err := s.applySetting(c, key, setting.ValueType, setting.DefaultValue); err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{"key": key, "value": setting.DefaultValue}).Info("Setting reset to default")
	RespondJSON(c, http.StatusOK, gin.H{
		"message": "配置已重置为默认值",
		"key":     key,
		"value":   setting.DefaultValue,
	})
}

// applySetting 校验并保存；json 类型交给 OptionService 以保证解析失败时旧配置继续生效。
// 失败时已写出响应。
func (s *Server) applySetting(c *gin.Context, key, valueType, value string) error {
	ctx := c.Request.Context()
	if valueType == "json" {
		if _, err := s.optionService.Update(ctx, key, value); err != nil {
			RespondDomainError(c, err)
			return err
		}
		return nil
	}
	if err := validateSettingValue(key, valueType, value); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid value for type %s: %v", valueType, err))
		return err
	}
	if err := s.configService.UpdateSetting(ctx, key, value); err != nil {
		logrus.WithError(err).WithField("key", key).Error("AdminUpdateSetting failed")
		RespondError(c, http.StatusInternalServerError, err)
		return err
	}
	return nil
}

// AdminBatchUpdateSettings 批量更新配置(事务保护)，不支持 json 类型
// POST /admin/settings/batch
func (s *Server) AdminBatchUpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req) == 0 {
		RespondErrorMsg(c, http.StatusBadRequest, "no settings to update")
		return
	}

	for key, value := range req {
		setting := s.configService.GetSetting(key)
		if setting == nil {
			RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("unknown setting: %s", key))
			return
		}
		if setting.ValueType == "json" {
			RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("%s must be updated via /admin/options/%s", key, key))
			return
		}
		if err := validateSettingValue(key, setting.ValueType, value); err != nil {
			RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid value for %s: %v", key, err))
			return
		}
	}

	if err := s.configService.BatchUpdateSettings(c.Request.Context(), req); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			RespondError(c, http.StatusNotFound, err)
			return
		}
		logrus.WithError(err).Error("AdminBatchUpdateSettings failed")
		RespondError(c, http.StatusInternalServerError, err)
		return
	}

	logrus.WithField("count", len(req)).Info("Batch updated settings")
	RespondJSON(c, http.StatusOK, gin.H{
		"message": fmt.Sprintf("已保存 %d 项配置", len(req)),
	})
}

// validateSettingValue 验证配置值的合法性
func validateSettingValue(key, valueType, value string) error {
	switch valueType {
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not a valid integer")
		}
		switch key {
		case config.SettingGroupIndexBuffer:
			if intVal < 1 {
				return fmt.Errorf("%s must be >= 1", key)
			}
		case config.SettingDispatchMaxAttempts:
			if intVal < 0 {
				return fmt.Errorf("%s must be >= 0 (0 = unlimited)", key)
			}
		case config.SettingTripLogRetentionDays:
			if intVal != TripLogRetentionDaysDisabled && (intVal < TripLogRetentionDaysMin || intVal > TripLogRetentionDaysMax) {
				return fmt.Errorf("%s must be %d (永久) or %d-%d", key, TripLogRetentionDaysDisabled, TripLogRetentionDaysMin, TripLogRetentionDaysMax)
			}
		default:
			if intVal < -1 {
				return fmt.Errorf("value must be >= -1")
			}
		}

	case "bool":
		if value != "true" && value != "false" && value != "1" && value != "0" {
			return fmt.Errorf("must be true/false or 1/0")
		}

	case "duration":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("duration must be an integer (seconds)")
		}
		if intVal <= 0 {
			return fmt.Errorf("duration must be > 0")
		}

	case "string":
		if key == config.SettingDefaultGroup && strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}

	default:
		return fmt.Errorf("unknown value type: %s", valueType)
	}

	return nil
}
