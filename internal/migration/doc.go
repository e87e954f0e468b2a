// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 提供数据库 Schema 迁移管理能力，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，结合
golang-migrate 引擎实现版本化的 Schema 变更管理。迁移创建
flowgate_tokens（按流程实例与 token ID 联合主键）与
flowgate_snapshots（按流程实例主键）两张表，版本记录保存在
flowgate_schema_migrations。支持正向迁移、
回滚、按步执行、跳转到指定版本以及强制设置版本号等操作。

# 核心类型

  - Migrator：封装 golang-migrate 实例与数据库连接，提供 Up/Steps/
    Goto/DownAll/Force/Version/Status/Info。
  - Tables：迁移管理的 flowgate 表及创建它们的迁移版本。Info 逐表
    检查是否存在并统计行数，Status 列出每个迁移创建的表。
  - CLI：flowgate migrate 子命令的终端输出。
  - Apply：store.auto_migrate 打开时在启动阶段把 Schema 升级到最新版本。

各方言的差异（database/sql 驱动名、golang-migrate 驱动、查表语句）
集中在 dialects 表中。
*/
package migration
