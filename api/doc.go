// Package api 定义 flowgate HTTP API 的请求与响应结构。
//
// # API 概览
//
// flowgate 通过 RESTful API 暴露流程实例的启动、恢复与查询：
//   - POST /v1/instances                 启动流程实例
//   - POST /v1/instances/{id}/resume     恢复挂起的分支
//   - GET  /v1/instances/{id}/tokens     查询活动令牌
//   - GET  /v1/instances/{id}/history    查询执行历史
//   - GET  /v1/graphs                    列出已注册的图
//   - GET  /v1/graphs/{id}               导出图定义
//
// 健康检查位于 /health、/healthz、/ready，Prometheus 指标由独立端口的
// /metrics 提供。
//
// # 响应格式
//
// 所有 /v1 端点返回统一的包装结构：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}, "timestamp": "..."}
//
// 锁重试耗尽时返回 503 且 error.retryable 为 true，客户端可以重发同一个
// resume 请求，重复送达的恢复信号会被忽略而不会重复执行分支。
package api
