// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener。配置了证书时使用
    tlsutil 的加固 TLS 配置（TLS 1.2+，仅 AEAD 套件）提供服务。
  - Group：一组一起启动、一起关闭的 Manager。flowgate serve 用它同时
    管理 API 端口与 metrics 端口；Wait 监听 SIGINT/SIGTERM 或任一
    服务器异常退出，Shutdown 以 multierr 合并各服务器的关闭错误。
*/
package server
