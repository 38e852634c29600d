package model

// SystemSetting 系统配置项（system_settings 表）
type SystemSetting struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	ValueType    string `json:"value_type"` // int, bool, string, duration, json
	Description  string `json:"description"`
	DefaultValue string `json:"default_value"`
	UpdatedAt    int64  `json:"updated_at"`
}

// TripLog 渠道熔断记录
type TripLog struct {
	ID            int64  `json:"id"`
	Model         string `json:"model"`
	ChannelID     int64  `json:"channel_id"`
	Reason        string `json:"reason"`
	FRTMs         int64  `json:"frt_ms"`
	TotalMs       int64  `json:"total_ms"`
	DisabledUntil int64  `json:"disabled_until"` // Unix毫秒
	CreatedAt     int64  `json:"created_at"`     // Unix毫秒
}
