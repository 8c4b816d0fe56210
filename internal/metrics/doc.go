// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
身份认领、消息收发、Leader 选举与巡检、recv 等待、以及 HTTP 外部面五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 身份指标：claim 尝试次数与结果、rename 结果、heartbeat 结果、
    在线 agent 数量 Gauge。
  - 消息指标：send 结果、lease 命中率、ack/release/prune 计数。
  - Leader 指标：选举尝试结果、is_leader Gauge、各项巡检耗时、
    回收的 peer 数量、死锁告警计数。
  - recv 指标：按结果（message/timeout/cancelled）分组的等待耗时
    与调用计数。
*/
package metrics
