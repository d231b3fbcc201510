package handler

import (
	"net/http"

	"github.com/chatcore/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.PushServiceURL == "" || h.cfg.PushVAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":          true,
		"vapid_public_key": h.cfg.PushVAPIDPublicKey,
	})
}

// GetDeliveryConfig отдаёт окна редактирования/удаления и срок хранения,
// чтобы клиент применял те же правила локально до ответа сервера.
func (h *ConfigHandler) GetDeliveryConfig(w http.ResponseWriter, r *http.Request) {
	d := h.cfg.Delivery
	writeJSON(w, http.StatusOK, map[string]int{
		"edit_window_minutes":        d.EditWindowMinutes,
		"delete_window_minutes":      d.DeleteWindowMinutes,
		"delivered_retention_hours":  d.DeliveredRetentionHours,
		"undelivered_retention_days": d.UndeliveredRetentionDays,
	})
}
