package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "telemetry"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanDashboardInvalidate — id измененного дашборда или "*" для сброса всего кэша.
	RedisChanDashboardInvalidate = RedisNamespace + ":dashboards:invalidate"
)

// DashboardKey — L2-ключ с JSON определения дашборда.
func DashboardKey(id string) string {
	return fmt.Sprintf("%s:dashboards:def:%s", RedisNamespace, id)
}

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
