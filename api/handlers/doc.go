// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 flowgate HTTP API 的请求处理器实现。

# 概述

handlers 包把流程实例的启动、恢复与查询暴露为 HTTP 端点，并负责
统一的响应包装与错误映射。所有 Handler 均遵循标准 net/http 接口，
路由使用 Go 1.22 的方法 + 路径模式注册到 http.ServeMux。

# 核心类型

  - InstanceHandler：POST /v1/instances、resume、tokens、history
  - GraphHandler：已注册图的列表与定义导出
  - HealthHandler：服务健康检查（/health, /healthz, /ready）
  - APIError：携带 ErrorCode、HTTP 状态与 retryable 标记的错误
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码与字节数

# 错误映射

WriteEngineError 按错误类型归类引擎错误：无效恢复请求 400，图或活动
不存在 404，实例 ID 重复或 join 不一致 409，网关配置错误 422，锁重试耗尽 503（可重试），
超时 504，其余 500。5xx 响应不回显底层错误细节。
*/
package handlers
