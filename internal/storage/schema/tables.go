package schema

// DefineSystemSettingsTable 定义system_settings表结构（运行时设置与超时熔断配置）
func DefineSystemSettingsTable() *TableBuilder {
	return NewTable("system_settings").
		Column("`key` VARCHAR(128) PRIMARY KEY").
		Column("value TEXT NOT NULL").
		Column("value_type VARCHAR(32) NOT NULL").
		Column("description VARCHAR(512) NOT NULL").
		Column("default_value VARCHAR(512) NOT NULL").
		Column("updated_at BIGINT NOT NULL")
}

// DefineRouteGroupsTable 定义route_groups表结构（分组注册表）
func DefineRouteGroupsTable() *TableBuilder {
	return NewTable("route_groups").
		Column("name VARCHAR(64) PRIMARY KEY").
		Column("description VARCHAR(512) NOT NULL DEFAULT ''").
		Column("ratio DOUBLE NOT NULL DEFAULT 1.0").
		Column("priority INT NOT NULL DEFAULT 999"). // 越小越优先
		Column("updated_at BIGINT NOT NULL").
		Index("idx_route_groups_priority", "priority")
}

// DefineTokensTable 定义tokens表结构
func DefineTokensTable() *TableBuilder {
	return NewTable("tokens").
		Column("id INT PRIMARY KEY AUTO_INCREMENT").
		Column("name VARCHAR(191) NOT NULL DEFAULT ''").
		Column("token_key VARCHAR(128) NOT NULL UNIQUE").
		Column("status TINYINT NOT NULL DEFAULT 1").
		Column("remain_quota BIGINT NOT NULL DEFAULT 0").
		Column("unlimited_quota TINYINT NOT NULL DEFAULT 0").
		Column("expired_time BIGINT NOT NULL DEFAULT -1"). // -1 永不过期
		Column("model_limits_enabled TINYINT NOT NULL DEFAULT 0").
		Column("model_limits TEXT NOT NULL").
		Column("allow_ips TEXT NOT NULL").
		Column("group_name VARCHAR(512) NOT NULL DEFAULT ''"). // 单分组名或多分组的逗号投影
		Column("group_info TEXT").
		Column("created_at BIGINT NOT NULL").
		Column("updated_at BIGINT NOT NULL").
		Index("idx_tokens_status", "status")
}

// DefineChannelsTable 定义channels表结构（路由渠道）
func DefineChannelsTable() *TableBuilder {
	return NewTable("channels").
		Column("id INT PRIMARY KEY AUTO_INCREMENT").
		Column("name VARCHAR(191) NOT NULL UNIQUE").
		Column("channel_groups TEXT NOT NULL"). // JSON数组
		Column("models TEXT NOT NULL").         // JSON数组
		Column("priority INT NOT NULL DEFAULT 0").
		Column("enabled TINYINT NOT NULL DEFAULT 1").
		Column("created_at BIGINT NOT NULL").
		Column("updated_at BIGINT NOT NULL").
		Index("idx_channels_enabled", "enabled").
		Index("idx_channels_priority", "priority DESC")
}

// DefineTripLogsTable 定义trip_logs表结构（渠道熔断记录）
func DefineTripLogsTable() *TableBuilder {
	return NewTable("trip_logs").
		Column("id INT PRIMARY KEY AUTO_INCREMENT").
		Column("model VARCHAR(191) NOT NULL").
		Column("channel_id INT NOT NULL").
		Column("reason VARCHAR(64) NOT NULL").
		Column("frt_ms BIGINT NOT NULL DEFAULT -1").
		Column("total_ms BIGINT NOT NULL DEFAULT 0").
		Column("disabled_until BIGINT NOT NULL"). // Unix毫秒
		Column("created_at BIGINT NOT NULL").     // Unix毫秒
		Index("idx_trip_logs_created", "created_at").
		Index("idx_trip_logs_channel_created", "channel_id, created_at")
}
