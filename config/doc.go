// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 flowgate 的配置管理功能。
//
// 配置优先级为：默认值 → YAML 文件 → FLOWGATE_ 前缀的环境变量。
// 各配置段分别对应 HTTP 服务、引擎 fork 模式与锁重试、令牌存储后端、
// 分布式锁、Redis、数据库、MongoDB、日志、遥测与指标。
package config
