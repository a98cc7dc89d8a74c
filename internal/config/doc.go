// Package config 负责加载与校验市场守护进程的启动配置。
package config
