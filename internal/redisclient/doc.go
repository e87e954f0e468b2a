// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 redisclient 管理进程内共享的 Redis 连接。

# 概述

分布式锁（lock.RedisLocker）与 Redis 令牌存储（persistence.RedisStore）
共用同一个连接池。Manager 负责建立连接、后台健康检查与优雅关闭，
并通过 Client 暴露 redis.UniversalClient 供上层组件使用。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Client / Ping / Close
  - Config：地址、密码、库编号、连接池大小与健康检查间隔
*/
package redisclient
